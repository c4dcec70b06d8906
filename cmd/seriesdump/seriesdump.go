// seriesdump subscribes to the processed-series port of a running daqring and prints
// what arrives, for checking the publisher from the command line.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/daqring"
)

func dumpdata(data []byte, max int) {
	if max > len(data) {
		max = len(data)
	}
	if max%16 > 0 {
		max -= max % 16
	}
	for i := 0; i < max; i += 16 {
		for j := i; j < i+16; j++ {
			fmt.Printf("%2.2x ", data[j])
		}
		fmt.Println()
	}
}

func dump(host string, port, nmessages, nbytes int) error {
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	defer sub.Close()
	address := fmt.Sprintf("tcp://%s:%d", host, port)
	if err := sub.Connect(address); err != nil {
		return err
	}
	if err := sub.SetSubscribe(""); err != nil {
		return err
	}
	fmt.Println("Dumping series published at", address)

	for i := 0; i < nmessages; i++ {
		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			return err
		}
		s, err := daqring.DecodeSeriesMessage(frames)
		if err != nil {
			fmt.Println("Could not decode message:", err)
			dumpdata(frames[0], nbytes)
			continue
		}
		if s.Len() == 0 {
			continue
		}
		fmt.Printf("Message %4d: %d channels x %5d samples, t=[%.3f, %.3f] ms\n",
			i, s.Nchan(), s.Len(), s.Timestamps[0], s.Timestamps[s.Len()-1])
		for c, lane := range s.Values {
			fmt.Printf("  chan %2d first value %10.6f last value %10.6f\n", c, lane[0], lane[len(lane)-1])
		}
		if nbytes > 0 && len(frames) > 2 {
			fmt.Println("Data:")
			dumpdata(frames[2], nbytes)
		}
	}
	return nil
}

func main() {
	host := flag.String("host", "localhost", "host running daqring")
	port := flag.Int("port", daqring.Ports.Series, "series publisher port")
	nmessages := flag.Int("n", 10, "number of messages to dump")
	nbytes := flag.Int("bytes", 0, "also hex-dump this many bytes of the first channel")
	flag.Parse()

	if err := dump(*host, *port, *nmessages, *nbytes); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
