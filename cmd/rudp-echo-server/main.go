// Command rudp-echo-server listens on a UDP address and reliably echoes
// back every application payload it receives, demonstrating the
// rudp package's server side end to end.
package main

import (
	"flag"
	"log"

	"github.com/dkirby-oss/rudp/rudp"
)

type echoServer struct{}

func (echoServer) HandlePacket(p *rudp.Peer, appCommand uint8, payload []byte) {
	log.Printf("%s: %q", p.Addr(), payload)
	if err := p.Send(true, appCommand, payload); err != nil {
		log.Printf("echo to %s failed: %v", p.Addr(), err)
	}
}

func (echoServer) LinkInfo(p *rudp.Peer, ackedSeq uint16) {}

func (echoServer) Dropped(p *rudp.Peer) {}

func (echoServer) PeerNew(p *rudp.Peer) {
	log.Printf("%s connected", p.Addr())
}

func (echoServer) PeerDropped(p *rudp.Peer) {
	log.Printf("%s disconnected", p.Addr())
}

func main() {
	listen := flag.String("listen", ":4000", "address to listen on")
	flag.Parse()

	srv, err := rudp.Listen("udp", *listen, echoServer{}, rudp.WithLogger(rudp.NewPtermLogger()))
	if err != nil {
		log.Fatal(err)
	}
	defer srv.Close()

	log.Printf("rudp-echo-server listening on %s", srv.LocalAddr())
	select {}
}
