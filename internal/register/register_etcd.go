package register

import (
	"context"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultTTL         = 30
	defaultDialTimeout = 5 * time.Second
)

type EtcdRegister struct {
	ttl int64

	mu      sync.Mutex
	client  *clientv3.Client
	leaseId clientv3.LeaseID
}

func NewEtcdRegister(conf *RegisterConfig) (*EtcdRegister, error) {
	endpoints := SplitHosts(conf.Hosts)
	if len(endpoints) == 0 {
		return nil, ErrNoHosts
	}
	dialTimeout := conf.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	ttl := conf.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &EtcdRegister{client: cli, ttl: ttl}, nil
}

// KeepAliveInterval is how often a registered target should be refreshed
// so its lease never runs out.
func (cli *EtcdRegister) KeepAliveInterval() time.Duration {
	return time.Duration(cli.ttl) * time.Second / 3
}

func (cli *EtcdRegister) leaseLocked(ctx context.Context) (clientv3.LeaseID, error) {
	if cli.leaseId != 0 {
		return cli.leaseId, nil
	}
	lease, err := cli.client.Grant(ctx, cli.ttl)
	if err != nil {
		return 0, err
	}
	cli.leaseId = lease.ID
	return cli.leaseId, nil
}

func (cli *EtcdRegister) Register(ctx context.Context, target Target) error {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	lease, err := cli.leaseLocked(ctx)
	if err != nil {
		return err
	}
	_, err = cli.client.Put(ctx, target.String(), target.Host(), clientv3.WithLease(lease))
	return err
}

func (cli *EtcdRegister) UnRegister(ctx context.Context, target Target) error {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	_, err := cli.client.Delete(ctx, target.String())
	return err
}

// KeepAlive refreshes the lease. If the lease expired meanwhile, a new one
// is granted and the target put again.
func (cli *EtcdRegister) KeepAlive(ctx context.Context, target Target) error {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if cli.leaseId != 0 {
		if _, err := cli.client.KeepAliveOnce(ctx, cli.leaseId); err == nil {
			return nil
		}
		cli.leaseId = 0
	}
	lease, err := cli.leaseLocked(ctx)
	if err != nil {
		return err
	}
	_, err = cli.client.Put(ctx, target.String(), target.Host(), clientv3.WithLease(lease))
	return err
}

func (cli *EtcdRegister) Close() error {
	cli.mu.Lock()
	lease := cli.leaseId
	cli.leaseId = 0
	cli.mu.Unlock()
	if lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = cli.client.Revoke(ctx, lease)
		cancel()
	}
	return cli.client.Close()
}

// SplitHosts parses the ';' separated endpoint list used in config files.
func SplitHosts(hosts string) []string {
	endpoints := make([]string, 0)
	for _, point := range strings.Split(hosts, ";") {
		point = strings.TrimSpace(point)
		if point == "" {
			continue
		}
		endpoints = append(endpoints, point)
	}
	return endpoints
}
