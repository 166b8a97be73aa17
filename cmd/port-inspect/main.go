// Command port-inspect dumps the control block and ring state of an
// existing shared-memory port without taking a handle on it. Useful when
// diagnosing a port left behind by a crashed process.
//
// Usage:
//
//	port-inspect -domain <name> -port <id>
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pwolf15/Fast-RTPS/internal/transport/sharedmem"
)

func main() {
	domain := flag.String("domain", "", "domain name of the port")
	portID := flag.Uint("port", 0, "port id")
	flag.Parse()

	if *domain == "" {
		flag.Usage()
		os.Exit(2)
	}

	segmentName := fmt.Sprintf("%s_port%d", *domain, *portID)

	if !sharedmem.SegmentExists(segmentName) {
		log.Fatalf("no segment found for %s", segmentName)
	}

	info, err := sharedmem.InspectPort(segmentName)
	if err != nil {
		log.Fatalf("failed to inspect %s: %v", segmentName, err)
	}

	fmt.Printf("=== Port %s ===\n", segmentName)
	fmt.Printf("uuid:                   %s\n", info.UUID)
	fmt.Printf("port id:                %d\n", info.PortID)
	fmt.Printf("domain:                 %s\n", info.DomainName)
	fmt.Printf("port ok:                %v\n", info.IsPortOK)
	fmt.Printf("open handles:           %d\n", info.RefCounter)
	fmt.Printf("listeners:              %d\n", info.NumListeners)
	fmt.Printf("waiting listeners:      %d\n", info.WaitingCount)
	fmt.Printf("opened for reading:     %v\n", info.IsOpenedForReading)
	fmt.Printf("opened read exclusive:  %v\n", info.IsOpenedReadExclusive)
	fmt.Printf("capacity:               %d descriptors\n", info.MaxBufferDescriptors)
	fmt.Printf("enqueued:               %d descriptors\n", info.Enqueued)
	fmt.Printf("healthy check timeout:  %d ms\n", info.HealthyCheckTimeoutMS)
	fmt.Printf("port wait timeout:      %d ms\n", info.PortWaitTimeoutMS)
	fmt.Printf("last liveness check:    %d (unix ms)\n", info.LastCheckTimeMS)
}
