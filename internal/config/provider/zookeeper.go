package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider loads configuration from a ZooKeeper znode and
// watches it via the client's one-shot watch API, re-arming after
// every fired event.
type ZookeeperProvider struct {
	conn *zk.Conn
	path string
}

// NewZookeeperProvider builds a provider backed by ZooKeeper.
func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("config: zookeeper endpoints are required")
	}
	if path == "" {
		return nil, fmt.Errorf("config: zookeeper path is required")
	}

	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config: zookeeper connect: %w", err)
	}

	return &ZookeeperProvider{conn: conn, path: path}, nil
}

func (p *ZookeeperProvider) Type() Type { return TypeZookeeper }

func (p *ZookeeperProvider) Load(ctx context.Context) ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("config: zookeeper get %s: %w", p.path, err)
	}
	return data, nil
}

func (p *ZookeeperProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		for {
			_, _, eventCh, err := p.conn.GetW(p.path)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				if ev.Err != nil {
					continue
				}
				select {
				case changes <- struct{}{}:
				default:
				}
			}
		}
	}()
	return changes, nil
}

func (p *ZookeeperProvider) Close() error {
	p.conn.Close()
	return nil
}
