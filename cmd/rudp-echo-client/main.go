// Command rudp-echo-client connects to a rudp-echo-server and echoes
// lines typed on stdin to it, printing whatever comes back.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dkirby-oss/rudp/rudp"
)

type echoClient struct {
	connected chan struct{}
}

func (e *echoClient) HandlePacket(c *rudp.Client, appCommand uint8, payload []byte) {
	fmt.Printf("server: %s\n", payload)
}

func (e *echoClient) LinkInfo(c *rudp.Client, ackedSeq uint16) {}

func (e *echoClient) Connected(c *rudp.Client) {
	close(e.connected)
}

func (e *echoClient) ServerLost(c *rudp.Client) {
	log.Fatal("server connection lost")
}

func main() {
	server := flag.String("server", "127.0.0.1:4000", "server address")
	flag.Parse()

	e := &echoClient{connected: make(chan struct{})}
	c, err := rudp.Dial("udp", *server, e, rudp.WithLogger(rudp.NewPtermLogger()))
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	<-e.connected
	log.Printf("connected to %s", *server)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := c.Send(true, 0, []byte(line)); err != nil {
			log.Printf("send failed: %v", err)
		}
	}
}
