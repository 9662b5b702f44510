package provider

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulProvider loads configuration from a Consul KV key and polls it
// for changes using a blocking query (long poll on the key's ModifyIndex).
type ConsulProvider struct {
	client *consulapi.Client
	key    string

	lastIndex uint64
}

// NewConsulProvider builds a provider backed by Consul KV. endpoints[0],
// if present, overrides the client's default address.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("config: consul key is required")
	}

	cfg := consulapi.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: consul client: %w", err)
	}

	return &ConsulProvider{client: client, key: key}, nil
}

func (p *ConsulProvider) Type() Type { return TypeConsul }

func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.client.KV().Get(p.key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("config: consul get %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("config: consul key %s not found", p.key)
	}
	p.lastIndex = pair.ModifyIndex
	return pair.Value, nil
}

func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			opts := (&consulapi.QueryOptions{WaitIndex: p.lastIndex, WaitTime: 5 * time.Minute}).WithContext(ctx)
			pair, meta, err := p.client.KV().Get(p.key, opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}
			if pair != nil && meta.LastIndex != p.lastIndex {
				p.lastIndex = meta.LastIndex
				select {
				case changes <- struct{}{}:
				default:
				}
			}
		}
	}()
	return changes, nil
}

func (p *ConsulProvider) Close() error { return nil }
