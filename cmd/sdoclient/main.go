package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-canopen/sdo/pkg/can"
	_ "github.com/go-canopen/sdo/pkg/can/socketcan"
	"github.com/go-canopen/sdo/pkg/od"
	"github.com/go-canopen/sdo/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_NODE_ID = 0x10
var DEFAULT_CAN_INTERFACE = "vcan0"

// notifier prints every Update/SetError call it receives, so running this
// binary against a live bus shows what the engine reported without having
// to wire up a real object dictionary.
type notifier struct{}

func (notifier) Update(index uint16, subindex uint8, value any, flag sdo.Flag) {
	log.Infof("x%04x:x%02x -> %v (%v)", index, subindex, value, flag)
}

func (notifier) SetError(index uint16, subindex uint8, code sdo.SDOAbortCode) {
	log.Errorf("x%04x:x%02x aborted: %v", index, subindex, code)
}

func main() {
	log.SetLevel(log.DebugLevel)

	channel := flag.String("i", DEFAULT_CAN_INTERFACE, "socketcan channel e.g. can0,vcan0")
	nodeID := flag.Int("n", DEFAULT_NODE_ID, "SDO server node-ID")
	edsPath := flag.String("eds", "", "path to an EDS file describing the remote object dictionary")
	index := flag.Int("index", 0x1018, "object index to read, in decimal or 0x-prefixed hex")
	subindex := flag.Int("subindex", 1, "object subindex to read")
	timeout := flag.Duration("timeout", 1*time.Second, "per-request SDO timeout")
	flag.Parse()

	bus, err := can.NewBus("socketcan", *channel, 500000)
	if err != nil {
		log.Fatal(err)
	}
	if err := bus.Connect(); err != nil {
		log.Fatal(err)
	}
	defer bus.Disconnect()

	dict := od.Default()
	if *edsPath != "" {
		dict, err = od.Parse(*edsPath, uint8(*nodeID))
		if err != nil {
			log.Fatalf("failed to parse EDS file: %v", err)
		}
	}

	client, err := sdo.NewClient(bus, uint8(*nodeID), notifier{}, sdo.WithTimeout(*timeout))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	entry := dict.Index(uint16(*index))
	declaredType := uint8(od.UNSIGNED32)
	if entry != nil {
		if variable, err := entry.SubIndex(uint8(*subindex)); err == nil {
			declaredType = variable.DataType
		}
	}

	result := client.Upload(uint16(*index), uint8(*subindex), declaredType)
	<-result.Done()
	if err := result.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "upload x%04x:x%02x failed: %v\n", *index, *subindex, err)
		os.Exit(1)
	}
	fmt.Printf("x%04x:x%02x = %v\n", *index, *subindex, result.Value())
}
