//go:build linux

// Command gateway demonstrates wiring two socketcan-attached Network
// Managers together through a Bridge NIU, with MQTT and websocket telemetry
// on the tractor-side Manager's diagnostic Protocol.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/serebryakov7/isobuscore/diagnostic"
	"github.com/serebryakov7/isobuscore/diagnostic/dtcstore"
	"github.com/serebryakov7/isobuscore/frame"
	"github.com/serebryakov7/isobuscore/link/socketcan"
	"github.com/serebryakov7/isobuscore/name"
	"github.com/serebryakov7/isobuscore/network"
	"github.com/serebryakov7/isobuscore/niu"
	telemetrymqtt "github.com/serebryakov7/isobuscore/telemetry/mqtt"
	"github.com/serebryakov7/isobuscore/telemetry/statusws"
)

const tickInterval = 10 * time.Millisecond

var (
	tractorIface   = flag.String("tractor-if", "can0", "CAN interface on the tractor segment")
	implementIface = flag.String("implement-if", "can1", "CAN interface on the implement segment")
	mqttBroker     = flag.String("mqtt-broker", telemetrymqtt.DefaultBroker, "MQTT broker URL")
	statusAddr     = flag.String("status-addr", ":8089", "address to serve the status websocket on")
	dtcDBPath      = flag.String("dtc-db", "", "bbolt path for the previous-DTC store (empty disables persistence)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	tractorLink, err := socketcan.Open(*tractorIface)
	if err != nil {
		log.Fatalf("gateway: open tractor interface %s: %v", *tractorIface, err)
	}
	defer tractorLink.Close()

	implementLink, err := socketcan.Open(*implementIface)
	if err != nil {
		log.Fatalf("gateway: open implement interface %s: %v", *implementIface, err)
	}
	defer implementLink.Close()

	tractorMgr := network.New(network.Config{Port: 0}, tractorLink)
	implementMgr := network.New(network.Config{Port: 0}, implementLink)

	gatewayHandle, err := tractorMgr.CreateInternal(name.NewBuilder().FunctionCode(0x80).Build(), 0xF0)
	if err != nil {
		log.Fatalf("gateway: claim tractor-side address: %v", err)
	}

	diag := diagnostic.New(tractorMgr.Registry(), gatewayHandle, func(msg frame.Message) error {
		return tractorMgr.Send(msg.PGN, msg.Data, gatewayHandle, msg.Destination, msg.Priority, nil)
	})

	bridge := niu.NewBridge(tractorLink, 0, implementLink, 0)
	bridge.BlockPGN(0x00FEE0) // example: keep a proprietary PGN local to the tractor segment

	var dtcDB *bolt.DB
	if *dtcDBPath != "" {
		dtcDB, err = dtcstore.OpenDB(*dtcDBPath)
		if err != nil {
			log.Fatalf("gateway: open DTC store: %v", err)
		}
		if saved, err := dtcstore.Load(dtcDB); err == nil {
			log.Printf("gateway: restored %d previous DTCs", len(saved))
		}
	}

	mqttBridge := telemetrymqtt.New(telemetrymqtt.Config{Broker: *mqttBroker}, diag, tractorMgr.BusLoad)
	if err := mqttBridge.Connect(); err != nil {
		log.Printf("gateway: mqtt connect failed, continuing without telemetry: %v", err)
	} else {
		defer mqttBridge.Disconnect()
	}

	statusServer := statusws.New(diag, tractorMgr.BusLoad, nil)
	mux := http.NewServeMux()
	mux.Handle("/status", statusServer)
	httpServer := &http.Server{Addr: *statusAddr, Handler: mux}

	stop := make(chan struct{})
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("gateway: serving status websocket on %s", *statusAddr)
		return httpServer.ListenAndServe()
	})
	g.Go(func() error {
		statusServer.Run(stop)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				close(stop)
				httpServer.Close()
				if dtcDB != nil {
					if err := dtcstore.Save(dtcDB, diag.PreviousDTCs()); err != nil {
						log.Printf("gateway: save DTC store: %v", err)
					}
					dtcDB.Close()
				}
				return gctx.Err()
			case <-ticker.C:
				tractorMgr.Update(tickInterval)
				implementMgr.Update(tickInterval)
				bridge.Update(tickInterval)
				_ = diag.Update(tickInterval)
			}
		}
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Printf("gateway: exited with error: %v", err)
	}
	log.Println("gateway: shut down")
}
