package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/config"
	"github.com/vadiminshakov/cfdp/core/dto"
	"github.com/vadiminshakov/cfdp/core/hooks"
	"github.com/vadiminshakov/cfdp/core/manager"
	"github.com/vadiminshakov/cfdp/core/pdu"
	"github.com/vadiminshakov/cfdp/core/sequence"
	"github.com/vadiminshakov/cfdp/io/gateway/grpc/client"
	"github.com/vadiminshakov/cfdp/io/gateway/grpc/server"
	"github.com/vadiminshakov/cfdp/io/store"
)

// Node is one running entity: storage, engine and network endpoints.
type Node struct {
	Manager *manager.Manager
	Bucket  *store.Bucket
	Archive *store.Archive
	Metrics *hooks.MetricsHook
	Addr    string

	audit  *hooks.AuditHook

	db     *badger.DB
	seq    *sequence.Allocator
	link   *client.Link
	server *server.Server
	cancel context.CancelFunc
	done   chan error
}

// StartNode opens storage, starts the gRPC endpoint and the tick loop.
func StartNode(conf *config.Config) (*Node, error) {
	n := &Node{done: make(chan error, 1)}
	ok := false
	defer func() {
		if !ok {
			n.close()
		}
	}()

	codec, err := conf.Codec()
	if err != nil {
		return nil, err
	}
	opts, err := conf.Manager(codec)
	if err != nil {
		return nil, err
	}
	n.Metrics = hooks.NewMetricsHook()
	registry := hooks.NewRegistry(n.Metrics)
	if conf.Audit != "" {
		if n.audit, err = hooks.NewAuditHook(conf.Audit); err != nil {
			return nil, err
		}
		registry.Register(n.audit)
	}
	opts.Transfer.Hooks = registry

	if n.db, err = store.Open(conf.DBPath); err != nil {
		return nil, err
	}
	n.Bucket = store.NewBucket(n.db)
	n.Archive = store.NewArchive(n.db)

	wal, err := sequence.Open(conf.WALPath)
	if err != nil {
		return nil, err
	}
	if n.seq, err = sequence.New(wal, maxSequence(conf.SequenceLength)); err != nil {
		wal.Close()
		return nil, err
	}

	if n.link, err = client.NewLink(codec, conf.RemoteAddrs(), client.WithQueueDepth(conf.QueueDepth)); err != nil {
		return nil, err
	}

	n.Manager, err = manager.New(opts, codec, n.link, n.Bucket, n.seq,
		manager.WithExecutor(manager.NewPool(conf.Workers)),
		manager.WithArchive(n.Archive))
	if err != nil {
		return nil, err
	}
	n.Manager.Subscribe(logEvent)

	if n.server, err = server.New(conf.Nodeaddr, n.Manager, server.WithWhitelist(conf.Whitelist)); err != nil {
		return nil, err
	}
	if err = n.server.Run(server.WhiteListChecker); err != nil {
		return nil, err
	}
	n.Addr = n.server.Addr

	var ctx context.Context
	ctx, n.cancel = context.WithCancel(context.Background())
	go func() {
		n.done <- n.Manager.Run(ctx)
	}()

	log.Infof("entity %d up at %s", conf.Entity, n.Addr)
	ok = true
	return n, nil
}

// PutLocalFile copies a file from the local filesystem into the bucket and
// sends it. spec is "src" or "src:dst".
func (n *Node) PutLocalFile(ctx context.Context, spec string, dest pdu.EntityID) (pdu.TransactionID, error) {
	src, dst, _ := strings.Cut(spec, ":")
	data, err := os.ReadFile(src)
	if err != nil {
		return pdu.TransactionID{}, errors.Wrap(err, "read local file")
	}
	name := filepath.Base(src)
	if err := n.Bucket.Put(name, data); err != nil {
		return pdu.TransactionID{}, errors.Wrapf(err, "store %s", name)
	}
	if dst == "" {
		dst = name
	}
	return n.Manager.Put(ctx, dto.PutRequest{
		Destination:         dest,
		SourceFileName:      name,
		DestinationFileName: dst,
	})
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
		if err := <-n.done; err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("tick loop: %v", err)
		}
	}
	return n.close()
}

func (n *Node) close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.server != nil {
		n.server.Stop()
	}
	if n.link != nil {
		keep(n.link.Close())
	}
	if n.Manager != nil {
		keep(n.Manager.Close())
	}
	if n.seq != nil {
		keep(n.seq.Close())
	}
	if n.db != nil {
		keep(n.db.Close())
	}
	if n.audit != nil {
		keep(n.audit.Close())
	}
	return firstErr
}

func maxSequence(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(width)) - 1
}

func logEvent(ev dto.Event) {
	s := ev.Summary
	entry := log.WithFields(log.Fields{"tx": s.ID.String(), "state": s.State})
	switch ev.Code {
	case dto.EventCreated:
		entry.Infof("transfer created: %s -> %s", s.SourceFileName, s.DestinationFileName)
	case dto.EventProgress:
		entry.Debugf("%s of %s", humanize.IBytes(s.BytesTransferred), humanize.IBytes(s.BytesTotal))
	case dto.EventCompleted:
		entry.Infof("transfer completed (%s)", humanize.IBytes(s.BytesTransferred))
	case dto.EventFailed, dto.EventCancelled:
		entry.Warnf("transfer %s: %s %s", ev.Code, s.Condition, s.FailureReason)
	}
}
