package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/groupd/discovery"
	"github.com/ryandielhenn/groupd/pkg/cpg"
	"github.com/ryandielhenn/groupd/pkg/cpg/etcdcpg"
	"github.com/ryandielhenn/groupd/pkg/retry"
)

// bench measures agreed-order multicast throughput of the etcd transport:
// c members join one channel and each sends n messages that every member
// must deliver.
func main() {
	endpoints := flag.String("etcd", "http://localhost:2379", "comma separated etcd endpoints")
	prefix := flag.String("prefix", "/groupd-bench", "key prefix")
	n := flag.Int("n", 1000, "messages per member")
	conc := flag.Int("c", 4, "members")
	valSize := flag.Int("val", 128, "message size bytes")
	flag.Parse()

	cli, err := discovery.NewClient(strings.Split(*endpoints, ","))
	if err != nil {
		log.Fatal(err)
	}
	defer cli.Close()

	ctx := context.Background()
	channel := fmt.Sprintf("bench_%d", time.Now().UnixNano())
	want := int64(*n * *conc)

	type member struct {
		tr *etcdcpg.Transport
		h  cpg.Handle
		rx atomic.Int64
	}
	members := make([]*member, *conc)
	for i := range members {
		m := &member{}
		m.tr = etcdcpg.New(etcdcpg.Config{Client: cli, NodeID: uint32(i + 1), PID: uint32(i + 1), Prefix: *prefix})
		m.h, err = m.tr.Initialize(cpg.Callbacks{
			Deliver: func(cpg.Handle, string, uint32, uint32, []byte) { m.rx.Add(1) },
			Confchg: func(cpg.Confchg) {},
		})
		if err != nil {
			log.Fatal(err)
		}
		if err := m.tr.Join(ctx, m.h, channel); err != nil {
			log.Fatal(err)
		}
		go func() {
			for h := range m.tr.Ready() {
				_, _ = m.tr.Dispatch(h)
			}
		}()
		members[i] = m
	}

	policy := retry.Policy{Delay: time.Millisecond}
	var wg sync.WaitGroup
	start := time.Now()
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)
			for i := 0; i < *n; i++ {
				if _, err := policy.Do(ctx, "mcast", func() error { return m.tr.Mcast(ctx, m.h, payload) }); err != nil {
					log.Printf("mcast: %v", err)
					return
				}
			}
		}(m)
	}
	wg.Wait()
	sent := time.Since(start)

	deadline := time.Now().Add(time.Minute)
	for _, m := range members {
		for m.rx.Load() < want && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	dur := time.Since(start)
	for _, m := range members {
		_ = m.tr.Finalize(m.h)
	}
	fmt.Printf("Sent %d messages in %s, all delivered in %s (%.2f msgs/s per member)\n",
		want, sent, dur, float64(want)/dur.Seconds())
}
