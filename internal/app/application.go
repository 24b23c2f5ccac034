package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"clearpay/internal/channel"
	"clearpay/internal/clearnode"
	"clearpay/internal/config"
	"clearpay/internal/reaction"
	"clearpay/internal/session"
	"clearpay/internal/store"
	"clearpay/pkg/interfaces"
	"clearpay/pkg/types"
)

// Application is the composition root. It owns the client, the registry,
// and their lifecycles; nothing in this module is reachable through global
// state. Initialization order: store -> registry -> client -> sessions ->
// settlement.
type Application struct {
	cfg        *config.Config
	signer     interfaces.Signer
	store      *store.Store
	registry   *channel.Registry
	client     *clearnode.Client
	sessions   *session.Manager
	settlement *reaction.Settlement

	pingStop chan struct{}
	pingWG   sync.WaitGroup
}

// New wires the application from configuration. The signer stays owned by
// the caller; the application only borrows it for the connection lifetime.
func New(cfg *config.Config, signer interfaces.Signer) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	registry := channel.NewRegistry(cfg.Ledger.PoolAddress)

	client := clearnode.NewClient(clearnode.Options{
		URL:                  cfg.Node.URL,
		RequestTimeout:       cfg.Node.RequestTimeout,
		ReconnectDelay:       cfg.Node.ReconnectDelay,
		MaxReconnectAttempts: cfg.Node.MaxReconnectAttempts,
	})

	sessions := session.NewManager(registry, client, signer, st, cfg.Ledger.Asset)
	settlement := reaction.NewSettlement(client, signer, sessions, cfg.Ledger.Asset, types.Amount(cfg.Ledger.ReactionCost))

	return &Application{
		cfg:        cfg,
		signer:     signer,
		store:      st,
		registry:   registry,
		client:     client,
		sessions:   sessions,
		settlement: settlement,
		pingStop:   make(chan struct{}),
	}, nil
}

// Start restores persisted channels into the registry, connects to the
// settlement node, and begins the keep-alive loop.
func (a *Application) Start(ctx context.Context) error {
	channels, err := a.store.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load channel snapshots: %w", err)
	}
	for _, ch := range channels {
		if err := a.registry.Restore(ch); err != nil {
			log.Printf("app: skipping snapshot for %s: %v", ch.ChannelID, err)
		}
	}
	if len(channels) > 0 {
		log.Printf("app: restored %d channel snapshot(s)", len(channels))
	}

	if err := a.client.Connect(a.signer); err != nil {
		return err
	}

	a.pingWG.Add(1)
	go a.keepAlive()

	return nil
}

// Stop disconnects, snapshots the ledger, and closes the store. Reverse of
// Start; safe to call after a failed Start.
func (a *Application) Stop(ctx context.Context) error {
	close(a.pingStop)
	a.pingWG.Wait()

	a.client.Disconnect()

	for _, ch := range a.registry.AllChannels() {
		if err := a.store.SaveChannel(ctx, ch); err != nil {
			log.Printf("app: failed to snapshot channel %s: %v", ch.ChannelID, err)
			continue
		}
		for _, sess := range ch.Sessions {
			if err := a.store.SaveSession(ctx, sess); err != nil {
				log.Printf("app: failed to snapshot session %s: %v", sess.SessionID, err)
			}
		}
	}

	return a.store.Close()
}

func (a *Application) keepAlive() {
	defer a.pingWG.Done()

	ticker := time.NewTicker(a.cfg.Node.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.client.Ping()
		case <-a.pingStop:
			return
		}
	}
}

// OpenChannel registers a newly funded channel in the ledger and persists
// it. The on-chain funding itself happens outside this module; the derived
// id stands in until the custody contract's id is known.
func (a *Application) OpenChannel(ctx context.Context, total types.Amount) (*types.ChannelState, error) {
	channelID := channel.DeriveChannelID(
		a.cfg.Ledger.ChainID,
		a.signer.Address(),
		a.cfg.Ledger.PoolAddress,
		uint64(uuid.New().ID()),
	)

	state, err := a.registry.CreateChannel(channelID, a.signer.Address(), total)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveChannel(ctx, state); err != nil {
		log.Printf("app: failed to snapshot channel %s: %v", state.ChannelID, err)
	}
	return state, nil
}

// Registry returns the channel ledger.
func (a *Application) Registry() *channel.Registry { return a.registry }

// Sessions returns the session lifecycle manager.
func (a *Application) Sessions() *session.Manager { return a.sessions }

// Settlement returns the reaction settlement engine.
func (a *Application) Settlement() *reaction.Settlement { return a.settlement }

// Client returns the protocol client.
func (a *Application) Client() *clearnode.Client { return a.client }
