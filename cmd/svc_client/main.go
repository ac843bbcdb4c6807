// Command svc_client is an interactive-use CLI for reading and
// writing a single IDN/EIDN element over the service channel.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/go-sercos/master/pkg/config"
	"github.com/go-sercos/master/pkg/master"
	"github.com/go-sercos/master/pkg/phase"
	"github.com/go-sercos/master/pkg/svc"
	"github.com/go-sercos/master/pkg/transport/raw"
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", "master.ini", "master configuration file")
	slaveIndex := flag.Int("s", 0, "slave index")
	number := flag.Int("n", 40, "IDN/SI data block number")
	write := flag.String("w", "", "hex bytes to write; if empty, reads instead")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load %q: %v\n", *configPath, err)
		os.Exit(1)
	}

	port, err := raw.Open("eth0", "eth1")
	if err != nil {
		fmt.Printf("failed to open port: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	m, err := master.Init(cfg, port)
	if err != nil {
		fmt.Printf("failed to init master: %v\n", err)
		os.Exit(1)
	}

	// The service channel is usable starting at CP2.
	if err := m.PhaseSwitch(phase.CP2); err != nil {
		fmt.Printf("phase switch failed: %v\n", err)
		os.Exit(1)
	}

	eidn := svc.EIDN{Number: uint16(*number)}

	if *write != "" {
		data := parseHex(*write)
		if err := m.SVCWrite(*slaveIndex, eidn, svc.ElementValue, data, false); err != nil {
			fmt.Printf("write failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("write ok")
		return
	}

	buf := make([]byte, 64)
	n, err := m.SVCRead(*slaveIndex, eidn, svc.ElementValue, buf, false)
	if err != nil {
		fmt.Printf("read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("% x\n", buf[:n])
}

func parseHex(s string) []byte {
	out := make([]byte, 0, len(s)/2)
	var hi byte
	have := false
	for _, r := range s {
		var v byte
		switch {
		case r >= '0' && r <= '9':
			v = byte(r - '0')
		case r >= 'a' && r <= 'f':
			v = byte(r-'a') + 10
		case r >= 'A' && r <= 'F':
			v = byte(r-'A') + 10
		default:
			continue
		}
		if !have {
			hi, have = v, true
			continue
		}
		out = append(out, hi<<4|v)
		have = false
	}
	return out
}
