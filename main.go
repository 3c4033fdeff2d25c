package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/config"
	"github.com/vadiminshakov/cfdp/core/pdu"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: time.RFC822,
	})

	conf := config.Get()
	node, err := StartNode(conf)
	if err != nil {
		log.Fatalf("start node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.Put != "" {
		id, err := node.PutLocalFile(ctx, conf.Put, pdu.EntityID(conf.Dest))
		if err != nil {
			log.Errorf("put %s: %v", conf.Put, err)
		} else {
			log.Infof("queued %s as %s", conf.Put, id)
		}
	}

	<-ctx.Done()
	if err := node.Stop(); err != nil {
		log.Errorf("stop: %v", err)
	}
}
