package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/metrics"
	"github.com/ruteri/content-sync/network"
	"github.com/ruteri/content-sync/provider"
	"github.com/ruteri/content-sync/storage"
)

// OpenNetwork creates the content network client of a provider.
func (p ProviderConfig) OpenNetwork(log *slog.Logger) (interfaces.ContentNetwork, error) {
	switch p.Backend {
	case NetworkMemory:
		n := network.NewMemoryNetwork(network.MemoryNetworkOptions{
			Timeout:          p.Network.Timeout,
			MaxFileSizeBytes: p.Network.MaxFileSizeBytes,
		})
		if p.Network.Mode == interfaces.GatewayMode {
			return n.GatewayView(), nil
		}
		return n, nil
	case NetworkIPFS:
		client, err := network.NewIPFSClient(p.Network, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", p.Backend)
	}
}

// OpenProvider creates the stores, network client and storage provider
// described by p.
func (p ProviderConfig) OpenProvider(ctx context.Context, log *slog.Logger, m *metrics.Collectors) (*provider.StorageProvider, error) {
	log = common.LoggerOrDefault(log)
	if err := p.Validate(); err != nil {
		return nil, err
	}

	hash, err := common.HashFuncByName(p.Hash)
	if err != nil {
		return nil, err
	}
	contentNetwork, err := p.OpenNetwork(log)
	if err != nil {
		return nil, fmt.Errorf("opening content network: %w", err)
	}

	factory := storage.NewStoreFactory(log)
	store, err := factory.StoreForURI(p.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", p.Store, err)
	}

	opts := provider.DefaultOptions()
	opts.Hash = hash
	opts.Queue = p.QueueOptions()
	opts.PinOnUpload = p.PinOnUpload
	opts.Metrics = m
	if p.HealthTimeout > 0 {
		opts.HealthTimeout = p.HealthTimeout
	}
	if p.IndexStore != "" {
		index, err := factory.StoreForURI(p.IndexStore)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("opening index store %s: %w", p.IndexStore, err), store.Close())
		}
		opts.IndexStore = index
	}

	sp, err := provider.NewStorageProvider(ctx, p.Name, store, contentNetwork, opts, log)
	if err != nil {
		closeErr := store.Close()
		if opts.IndexStore != nil {
			closeErr = errors.Join(closeErr, opts.IndexStore.Close())
		}
		return nil, errors.Join(err, closeErr)
	}

	log.Info("Storage provider ready",
		slog.String("provider", p.Name),
		slog.String("store", store.LocationURI()),
		slog.String("backend", p.Backend),
		slog.String("mode", string(contentNetwork.Mode())))
	return sp, nil
}
