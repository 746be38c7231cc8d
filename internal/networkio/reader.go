package networkio

import (
	"fmt"

	"github.com/ooni/vpncore/internal/workers"
)

var (
	serviceName = "networkio"
)

// StartReader starts a worker that moves packets read from conn up to
// incoming. The first read error is delivered on failed (which should be
// buffered) and stops the worker. The worker also stops when the manager
// shuts down; closing conn unblocks a pending read.
func StartReader(
	manager *workers.Manager,
	conn *Conn,
	incoming chan<- []byte,
	failed chan<- error,
) {
	workerName := fmt.Sprintf("%s: readerWorker(%s)", serviceName, conn.Endpoint())

	manager.StartWorker(func() {
		defer manager.OnWorkerDone(workerName)

		for {
			// POSSIBLY BLOCK on the connection to read a new packet
			pkt, err := conn.Receive(0)
			if err != nil {
				select {
				case failed <- err:
				default:
				}
				return
			}

			// POSSIBLY BLOCK on the channel to deliver the packet
			select {
			case incoming <- pkt:
			case <-manager.ShouldShutdown():
				return
			}
		}
	})
}
