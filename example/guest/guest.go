//go:build linux

package main

import (
	"fmt"
	"log"

	"github.com/TypicalAM/ivshmem/v2/guest"
)

func main() {
	devs, err := guest.ListDevices()
	if err != nil {
		log.Fatalln("Cannot list devices:", err)
	}
	if len(devs) == 0 {
		log.Fatalln("No IVSHMEM devices found")
	}

	mem, err := guest.Open(devs[0])
	if err != nil {
		log.Fatalln("Cannot map memory:", err)
	}
	defer mem.Close()

	fmt.Println("Detected IVSHMEM devices:", devs)
	fmt.Println("Selected IVSHMEM device:", devs[0])
	fmt.Println("Device path:", mem.Path())
	fmt.Println("Shared mem size (in MB):", mem.Size()/1024/1024)

	buf := make([]byte, 14)
	if _, err := mem.Region().ReadAt(buf, 0); err != nil {
		log.Fatalln("Cannot read memory:", err)
	}

	fmt.Println("Message from host:", string(buf))
}
