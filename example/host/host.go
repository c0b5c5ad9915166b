//go:build linux

package main

import (
	"fmt"
	"log"

	"github.com/TypicalAM/ivshmem/v2"
)

func main() {
	h, err := ivshmem.CreatePlain("/dev/shm/my-little-shared-memory", 4*1024*1024)
	if err != nil {
		log.Fatalln("Failed to map shmem file:", err)
	}
	defer h.Close()

	fmt.Println("Shared mem size (in MB):", h.Size()/1024/1024)
	fmt.Println("Device path:", h.Path())

	msg := []byte("Hello example!")
	if _, err := h.Region().WriteAt(msg, 0); err != nil {
		log.Fatalln("Failed to write the message:", err)
	}

	if err := h.Sync(); err != nil {
		log.Fatalln("Failed to flush the memory after writing")
	}
	fmt.Println("Write successful")
}
