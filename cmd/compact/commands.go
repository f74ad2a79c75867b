package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/layer-3/compact"
	"github.com/layer-3/compact/adapters/allocator"
	"github.com/layer-3/compact/adapters/wallet"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func (m *metadata) client(reg prometheus.Registerer) (*compact.Core, error) {
	if m.cfg.PrivateKey == "" {
		return nil, errors.New("privateKey (COMPACT_PRIVATE_KEY) is required")
	}
	signer, err := wallet.NewKeySignerFromHex(m.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	st, err := m.sessionStore()
	if err != nil {
		return nil, err
	}
	notifier, err := m.notifier()
	if err != nil {
		return nil, err
	}
	return compact.New(compact.Options{
		Config:   m.cfg,
		Signer:   signer,
		Store:    st,
		Notifier: notifier,
		HTTP:     &http.Client{Timeout: m.cfg.HTTPTimeout},
		Logger:   m.logger,
		Registry: reg,
	})
}

func runHealth(c *cli.Context) error {
	m := meta(c)
	api, err := allocator.NewClient(m.cfg.AllocatorURL, &http.Client{Timeout: m.cfg.HTTPTimeout}, m.logger)
	if err != nil {
		return err
	}
	health, err := api.Health(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, health)
}

func runLogin(c *cli.Context) error {
	client, err := meta(c).client(nil)
	if err != nil {
		return err
	}
	if err := client.Start(c.Context); err != nil {
		return err
	}
	defer client.Stop()

	if client.SessionStatus() != core.SessionAuthenticated {
		if _, err := client.SignIn(c.Context); err != nil {
			return err
		}
	}
	return printJSON(c.App.Writer, map[string]string{"status": client.SessionStatus().String()})
}

func runLogout(c *cli.Context) error {
	client, err := meta(c).client(nil)
	if err != nil {
		return err
	}
	if err := client.Start(c.Context); err != nil {
		return err
	}
	defer client.Stop()
	return client.SignOut(c.Context)
}

type balanceRow struct {
	Lock        string `json:"lock"`
	Token       string `json:"token,omitempty"`
	Allocatable string `json:"allocatable"`
	Allocated   string `json:"allocated"`
	Available   string `json:"availableToAllocate"`
	Total       string `json:"total,omitempty"`
	Withdrawal  string `json:"withdrawal"`
}

func rows(snap service.Snapshot, views []core.WithdrawalView) []balanceRow {
	labels := make(map[core.LockKey]string, len(views))
	for _, v := range views {
		labels[v.Key] = v.Label
	}
	out := make([]balanceRow, 0, len(snap.Balances))
	for _, b := range snap.Balances {
		r := balanceRow{
			Lock:        b.Key.String(),
			Allocatable: b.AllocatableBalance.String(),
			Allocated:   b.AllocatedBalance.String(),
			Available:   b.BalanceAvailableToAllocate.String(),
			Withdrawal:  labels[b.Key],
		}
		if b.Lock != nil {
			r.Token = b.Lock.Token.Symbol
		}
		if b.Formatted != nil {
			r.Allocatable = b.Formatted.Allocatable
			r.Allocated = b.Formatted.Allocated
			r.Available = b.Formatted.AvailableToAllocate
			r.Total = b.Formatted.Total
		}
		out = append(out, r)
	}
	return out
}

func runBalances(c *cli.Context) error {
	client, err := meta(c).client(nil)
	if err != nil {
		return err
	}
	if err := client.Start(c.Context); err != nil {
		return err
	}
	defer client.Stop()

	if client.SessionStatus() != core.SessionAuthenticated {
		return errors.New("not signed in, run login first")
	}
	snap, err := client.Refresh(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, rows(snap, client.Withdrawals()))
}

func runWatch(c *cli.Context) error {
	m := meta(c)
	reg := prometheus.NewRegistry()
	client, err := m.client(reg)
	if err != nil {
		return err
	}

	if addr := c.String("metrics"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if err := client.Start(c.Context); err != nil {
		return err
	}
	defer client.Stop()

	ticker := time.NewTicker(m.cfg.Polling.WithdrawalTick)
	defer ticker.Stop()
	var version uint64
	for {
		select {
		case <-c.Context.Done():
			return nil
		case <-ticker.C:
			snap := client.Balances()
			if snap.Version == version {
				continue
			}
			version = snap.Version
			if err := printJSON(c.App.Writer, rows(snap, client.Withdrawals())); err != nil {
				return err
			}
		}
	}
}
