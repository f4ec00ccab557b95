package discovery

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/wukong-cloud/wrpc-async/internal/register"
)

var ErrNoHosts = errors.New("discovery: no hosts configured")

type EtcdDiscover struct {
	client *clientv3.Client
}

func NewEtcdDiscover(conf *DiscoverConfig) (*EtcdDiscover, error) {
	endpoints := register.SplitHosts(conf.Hosts)
	if len(endpoints) == 0 {
		return nil, ErrNoHosts
	}
	dialTimeout := conf.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdDiscover{client: cli}, nil
}

func (cli *EtcdDiscover) Find(ctx context.Context, name string) ([]string, error) {
	resp, err := cli.client.Get(ctx, register.Prefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	endpoints := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		endpoints = append(endpoints, string(kv.Value))
	}
	sort.Strings(endpoints)
	return endpoints, nil
}

func (cli *EtcdDiscover) Watch(ctx context.Context, name string) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		watchCh := cli.client.Watch(ctx, register.Prefix(name), clientv3.WithPrefix())
		for n := range watchCh {
			changed := false
			for _, ev := range n.Events {
				switch ev.Type {
				case mvccpb.DELETE, mvccpb.PUT:
					changed = true
				}
			}
			if !changed {
				continue
			}
			endpoints, err := cli.Find(ctx, name)
			if err != nil {
				continue
			}
			select {
			case out <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (cli *EtcdDiscover) Close() error {
	return cli.client.Close()
}
