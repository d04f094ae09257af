package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "rocbench.yml"
	k              = koanf.New(".")
)

func defaultConfig() Config {
	return Config{
		Card:         "dummy",
		Channel:      0,
		BufferMiB:    32,
		SuperpageKiB: 1024,
		PageKiB:      8,
		Superpages:   64,
		Generator:    true,
		Pattern:      "incremental",
		Verify:       true,
		TickHz:       10000,
		LogLevel:     "info",
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `rocbench exercises the DMA path of a readout card channel: it pushes
superpages, drives the transfer engine, and reports the achieved rate.
With the dummy card it runs entirely in software and verifies page
checksums, which makes it a deployment sanity check as well.

Usage:
	rocbench <command>

Commands:
	run
	sanity
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `rocbench is configured via rocbench.yml; run "rocbench mkconf" to write
a default one next to the binary.

Fields:
	Card        dummy | crorc | cru
	PciAddress  card position, "bb:ss.f" (hardware cards)
	Bar         register resource file, e.g. /sys/bus/pci/devices/.../resource0
	Channel     channel number on the card
	BufferPath  DMA buffer backing file (hardware cards)
	BufferMiB   DMA buffer size
	BusAddress      bus address of the DMA buffer
	FifoBusAddress  bus address of the ready FIFO region
	SuperpageKiB    superpage size (1024 for the C-RORC, multiple of 32 otherwise)
	PageKiB     DMA page size
	Superpages  number of superpages to capture; 0 runs until interrupted
	Generator   use the on-card data generator
	Pattern     incremental | alternating | flying0 | flying1 | random
	InitialValue    first data word of each generated event
	InitialWord     event word index the pattern starts at
	Verify      check page checksums (dummy card only)
	TickHz      engine tick pacing
	StatusAddr  optional address to serve live counters on, e.g. :8070
	LogLevel    debug | info | warn`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("rocbench version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "sanity":
		sanity()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
