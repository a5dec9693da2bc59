// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/clients"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/network"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/prompt"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/secrets"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
)

const nodeEnode = "enode://" +
	"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" +
	"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" +
	"@10.0.0.9:30303"

type harness struct {
	settings Settings
	rt       *infra.MockRuntime
	prober   *validation.MockProber
	db       *clients.MockDatabaseClient
	newDB    func(admin clients.Credentials) clients.DatabaseClient
	cache    *clients.MockCacheClient
	confirm  prompt.Confirmer
	netCfg   network.Config
	peers    []string
}

func newHarness(t *testing.T, mode infra.Mode, tier validation.Tier) *harness {
	t.Helper()
	dir := t.TempDir()
	rt := infra.NewMockRuntime()
	rt.ModeValue = mode
	chainEnv := filepath.Join(dir, "chain", ".env")
	return &harness{
		settings: Settings{
			Mode:          mode,
			Tier:          tier,
			Target:        network.Testnet,
			Domain:        "anchor.trustanchor.network",
			Email:         "ops@trustanchor.network",
			DataDir:       dir,
			StateDir:      filepath.Join(dir, "state"),
			RootEnv:       filepath.Join(dir, ".env"),
			WebEnv:        filepath.Join(dir, "web", ".env"),
			ChainEnv:      chainEnv,
			ProxyEnv:      filepath.Join(dir, "proxy", ".env"),
			DatabaseName:  "anchor",
			DatabaseUser:  "anchor",
			ReadyTimeout:  time.Second,
			ReadyInterval: 10 * time.Millisecond,
		},
		rt:      rt,
		prober:  &validation.MockProber{DiskGB: 100},
		db:      &clients.MockDatabaseClient{},
		cache:   &clients.MockCacheClient{},
		confirm: prompt.NewNonInteractivePrompter(),
		netCfg: network.Config{
			Target:            network.Testnet,
			PeerFile:          filepath.Join(dir, "chain", "static-nodes.json"),
			ContactFile:       chainEnv,
			ContactKey:        "NODE_CONTACT",
			RegistryURLKey:    "STATS_URL",
			RegistrySecretKey: "STATS_SECRET",
			DataDir:           filepath.Join(dir, "chain", "data"),
			ReadyTimeout:      time.Second,
		},
		peers: []string{nodeEnode},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	reg := &network.MockRegistryClient{FetchPeersFunc: func(context.Context, network.Endpoints) ([]string, error) {
		return h.peers, nil
	}}
	node := &network.MockNodeClient{EnodeFunc: func(context.Context) (string, error) {
		return nodeEnode, nil
	}}
	rec, err := network.NewReconciler(h.netCfg, reg, node, h.rt, h.confirm, nil, nil)
	require.NoError(t, err)
	return NewOrchestrator(h.settings, Deps{
		Runtime: h.rt,
		Prober:  h.prober,
		Confirm: h.confirm,
		Secrets: secrets.NewGenerator(nil),
		Network: rec,
		NewDatabase: func(admin clients.Credentials) clients.DatabaseClient {
			if h.newDB != nil {
				return h.newDB(admin)
			}
			return h.db
		},
		NewCache: func(string) clients.CacheClient {
			return h.cache
		},
	})
}

func statuses(r *Report) map[string]StepStatus {
	out := map[string]StepStatus{}
	for _, res := range r.Results {
		out[res.Name] = res.Status
	}
	return out
}

func readEnv(t *testing.T, path, key string) string {
	t.Helper()
	v, _, err := envfile.ReadValue(path, key)
	require.NoError(t, err)
	return v
}

// =============================================================================
// Sequence
// =============================================================================

func TestRun_FullContainerSequence(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	o := h.orchestrator(t)

	report, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.NotNil(t, report.Preflight)
	assert.True(t, report.Preflight.Passed())

	assert.Equal(t, []string{
		"dependencies", "chain-config", "database", "cache", "certificate", "proxy",
		"node-identity", "web", "queue", "admin", "extras",
	}, o.StepNames())

	st := statuses(report)
	for _, name := range []string{"dependencies", "chain-config", "database", "cache",
		"certificate", "proxy", "node-identity", "web", "queue"} {
		assert.Equal(t, StatusSucceeded, st[name], name)
	}
	assert.Equal(t, StatusSkipped, st["admin"])
	assert.Equal(t, StatusSkipped, st["extras"])

	s := h.settings
	appPw := readEnv(t, s.RootEnv, KeyDBPassword)
	assert.Len(t, appPw, 24)
	assert.Equal(t, appPw, readEnv(t, s.WebEnv, KeyDBPassword))
	assert.Len(t, readEnv(t, s.RootEnv, KeyDBRootPassword), 24)
	assert.Equal(t, readEnv(t, s.RootEnv, KeyCachePassword), readEnv(t, s.WebEnv, KeyCachePassword))
	assert.Equal(t, "anchor", readEnv(t, s.WebEnv, KeyDBDatabase))

	hook := readEnv(t, s.ChainEnv, KeyWebhookSecret)
	assert.Len(t, hook, secrets.DefaultSharedSecretLength)
	assert.Equal(t, hook, readEnv(t, s.WebEnv, KeyWebWebhook))
	assert.Equal(t, "testnet", readEnv(t, s.ChainEnv, KeyNetwork))
	assert.Equal(t, nodeEnode, readEnv(t, s.ChainEnv, "NODE_CONTACT"))
	assert.Equal(t, "wss://stats-testnet.trustanchor.network/api", readEnv(t, s.ChainEnv, "STATS_URL"))

	assert.Len(t, readEnv(t, s.WebEnv, KeyAppKey), 32)
	assert.Equal(t, s.Domain, readEnv(t, s.ProxyEnv, KeyDomain))
	assert.FileExists(t, filepath.Join(s.StateDir, markerWebSeeded))
	assert.Contains(t, h.db.Calls, "Provision")

	for _, svc := range []infra.Service{infra.ServiceDatabase, infra.ServiceCache,
		infra.ServiceProxy, infra.ServiceBlockchain, infra.ServiceWeb, infra.ServiceQueue} {
		assert.True(t, h.rt.Running[svc], svc)
	}
}

func TestRun_RerunReusesCredentialsAndSkipsSatisfiedSteps(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	_, err := h.orchestrator(t).Run(context.Background(), Options{})
	require.NoError(t, err)

	s := h.settings
	rootPw := readEnv(t, s.RootEnv, KeyDBRootPassword)
	appPw := readEnv(t, s.RootEnv, KeyDBPassword)
	cachePw := readEnv(t, s.RootEnv, KeyCachePassword)
	appKey := readEnv(t, s.WebEnv, KeyAppKey)

	var seeds int
	h.rt.ExecFunc = func(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
		if strings.Join(opts.Command, " ") == strings.Join(DefaultCommands().Seed, " ") {
			seeds++
		}
		return &infra.ExecResult{}, nil
	}

	report, err := h.orchestrator(t).Run(context.Background(), Options{})
	require.NoError(t, err)
	st := statuses(report)
	for _, name := range []string{"chain-config", "database", "cache", "proxy", "node-identity", "web", "queue"} {
		assert.Equal(t, StatusSatisfied, st[name], name)
	}
	assert.Equal(t, StatusSucceeded, st["dependencies"])
	assert.Zero(t, seeds)

	assert.Equal(t, rootPw, readEnv(t, s.RootEnv, KeyDBRootPassword))
	assert.Equal(t, appPw, readEnv(t, s.RootEnv, KeyDBPassword))
	assert.Equal(t, cachePw, readEnv(t, s.RootEnv, KeyCachePassword))
	assert.Equal(t, appKey, readEnv(t, s.WebEnv, KeyAppKey))
}

func TestRun_FailureStopsSequenceAndNamesRetry(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	h.db.ProvisionFunc = func(context.Context, clients.Credentials) error {
		return errors.New("grant failed")
	}

	report, err := h.orchestrator(t).Run(context.Background(), Options{})
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "database", stepErr.Step)
	assert.Contains(t, stepErr.Remediation, "anchorops install --only database")
	assert.Contains(t, err.Error(), "grant failed")

	st := statuses(report)
	assert.Equal(t, StatusFailed, st["database"])
	for _, name := range []string{"cache", "certificate", "proxy", "node-identity", "web", "queue", "admin", "extras"} {
		assert.Equal(t, StatusNotRun, st[name], name)
	}
	assert.False(t, h.rt.Running[infra.ServiceWeb])
}

func TestRun_ProductionRegeneratesWeakCredential(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierProduction)
	require.NoError(t, envfile.Upsert(h.settings.RootEnv, KeyDBPassword, "trustanchor"))

	_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "database", SkipPreflight: true})
	require.NoError(t, err)

	pw := readEnv(t, h.settings.RootEnv, KeyDBPassword)
	assert.NotEqual(t, "trustanchor", pw)
	assert.Len(t, pw, 32)
	assert.Equal(t, pw, readEnv(t, h.settings.WebEnv, KeyDBPassword))
}

// liveDatabase simulates a server whose root password lives in its volume.
type liveDatabase struct {
	root    string
	rotated int
}

func (d *liveDatabase) client(admin clients.Credentials) clients.DatabaseClient {
	return &clients.MockDatabaseClient{
		PingFunc: func(context.Context) error {
			if admin.Password != d.root {
				return clients.ErrAuthFailed
			}
			return nil
		},
		RotateFunc: func(_ context.Context, password string) error {
			if admin.Password != d.root {
				return clients.ErrAuthFailed
			}
			d.root = password
			d.rotated++
			return nil
		},
	}
}

func TestRun_ProductionRotatesRejectedRootOnInitializedDatabase(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierProduction)
	require.NoError(t, envfile.Upsert(h.settings.RootEnv, KeyDBRootPassword, "trustanchor"))
	server := &liveDatabase{root: "trustanchor"}
	h.newDB = server.client

	report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "database", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, statuses(report)["database"])

	root := readEnv(t, h.settings.RootEnv, KeyDBRootPassword)
	assert.NotEqual(t, "trustanchor", root)
	assert.Equal(t, server.root, root, "env file must hold the password the server accepts")
	assert.Equal(t, 1, server.rotated)
	_, pending, err := envfile.ReadValue(h.settings.RootEnv, KeyDBRootPending)
	require.NoError(t, err)
	assert.False(t, pending)

	h.rt.Calls = nil
	report, err = h.orchestrator(t).Run(context.Background(), Options{Only: "database", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, 1, server.rotated)
	assert.Equal(t, root, readEnv(t, h.settings.RootEnv, KeyDBRootPassword))
}

func TestRun_RejectedRootUnknownToDatabaseIsKept(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierProduction)
	h.settings.ReadyTimeout = 50 * time.Millisecond
	require.NoError(t, envfile.Upsert(h.settings.RootEnv, KeyDBRootPassword, "trustanchor"))
	server := &liveDatabase{root: "something-the-operator-changed"}
	h.newDB = server.client

	_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "database", SkipPreflight: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install --only database")
	assert.Zero(t, server.rotated)
	assert.Equal(t, "trustanchor", readEnv(t, h.settings.RootEnv, KeyDBRootPassword))
}

func TestRun_StagedRootFromInterruptedRotationIsPromoted(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierProduction)
	h.settings.ReadyTimeout = 50 * time.Millisecond
	staged := strings.Repeat("Q7", 16)
	require.NoError(t, envfile.UpsertMany(h.settings.RootEnv, map[string]string{
		KeyDBRootPassword: "trustanchor",
		KeyDBRootPending:  staged,
	}))
	server := &liveDatabase{root: staged}
	h.newDB = server.client

	_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "database", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, staged, readEnv(t, h.settings.RootEnv, KeyDBRootPassword))
	_, pending, _ := envfile.ReadValue(h.settings.RootEnv, KeyDBRootPending)
	assert.False(t, pending)
}

func TestRun_DevelopmentKeepsShortCredential(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	require.NoError(t, envfile.Upsert(h.settings.RootEnv, KeyDBPassword, "Xk29vbTq"))

	_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "database", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, "Xk29vbTq", readEnv(t, h.settings.WebEnv, KeyDBPassword))
}

func TestRun_CacheRestartsOnlyWhenPasswordChanges(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	h.rt.Running[infra.ServiceCache] = true

	_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "cache", SkipPreflight: true})
	require.NoError(t, err)
	assert.Contains(t, h.rt.GetCalls(), "Restart:cache")

	h.rt.Calls = nil
	report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "cache", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSatisfied, statuses(report)["cache"])
	assert.NotContains(t, h.rt.GetCalls(), "Restart:cache")
}

// =============================================================================
// Selection
// =============================================================================

func TestSelectSteps(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	o := h.orchestrator(t)

	steps, err := o.selectSteps(Options{From: "web"})
	require.NoError(t, err)
	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"web", "queue", "admin", "extras"}, names)

	_, err = o.selectSteps(Options{Only: "peers"})
	assert.ErrorIs(t, err, ErrUnknownStep)
	assert.Contains(t, err.Error(), "node-identity")

	_, err = o.selectSteps(Options{Only: "web", From: "web"})
	assert.Error(t, err)

	hh := newHarness(t, infra.ModeHost, validation.TierDevelopment)
	names = hh.orchestrator(t).StepNames()
	assert.Equal(t, "peers", names[len(names)-1])
	assert.NotContains(t, names, "admin")
	assert.NotContains(t, names, "extras")
}

// =============================================================================
// Preflight gate
// =============================================================================

func TestPreflightGate(t *testing.T) {
	t.Run("non-interactive failure refuses", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
		h.prober.DiskGB = 5
		report, err := h.orchestrator(t).Run(context.Background(), Options{})
		assert.ErrorIs(t, err, validation.ErrPreflightFailed)
		assert.Contains(t, err.Error(), "--override-preflight")
		assert.Empty(t, report.Results)
		assert.Equal(t, []string{"Ping"}, h.rt.GetCalls())
	})

	t.Run("declined aborts without error", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
		h.prober.DiskGB = 5
		h.confirm = prompt.Answer(false, "")
		report, err := h.orchestrator(t).Run(context.Background(), Options{})
		require.NoError(t, err)
		assert.True(t, report.Aborted)
		assert.Empty(t, report.Results)
	})

	t.Run("override continues", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
		h.prober.DiskGB = 5
		report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "dependencies", OverridePreflight: true})
		require.NoError(t, err)
		assert.False(t, report.Preflight.Passed())
		assert.Equal(t, StatusSucceeded, statuses(report)["dependencies"])
	})
}

// =============================================================================
// Certificate
// =============================================================================

func writeCert(t *testing.T, path string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "anchor.trustanchor.network"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
}

func TestCertificate_ExpiryDecidesSatisfaction(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	h.settings.CertDir = filepath.Join(t.TempDir(), "live")
	path := filepath.Join(h.settings.CertDir, h.settings.Domain, "fullchain.pem")
	o := h.orchestrator(t)

	writeCert(t, path, time.Now().Add(90*24*time.Hour))
	ok, err := o.checkCertificate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	writeCert(t, path, time.Now().Add(10*24*time.Hour))
	ok, err = o.checkCertificate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCertificate_IneligibleDomain(t *testing.T) {
	t.Run("development skips", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
		h.settings.Domain = "anchor.local"
		report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "certificate", SkipPreflight: true})
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, report.Results[0].Status)
		assert.Contains(t, report.Results[0].Detail, "reserved TLD")
		assert.NotContains(t, h.rt.GetCalls(), "Exec:certbot")
	})

	t.Run("production fails", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierProduction)
		h.settings.Domain = "localhost"
		_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "certificate", SkipPreflight: true})
		assert.ErrorIs(t, err, ErrIneligibleDomain)
	})
}

func TestCertificate_FreesPortAndRestoresProxy(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	h.rt.Running[infra.ServiceProxy] = true
	var cmd []string
	h.rt.ExecFunc = func(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
		cmd = opts.Command
		return &infra.ExecResult{ExitCode: 1, Stderr: "too many requests"}, nil
	}

	_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "certificate", SkipPreflight: true})
	var cmdErr *infra.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, []string{"Stop:proxy", "Start:certbot", "Exec:certbot", "Start:proxy"}, h.rt.GetCalls())
	assert.Contains(t, cmd, "--standalone")
	assert.Contains(t, cmd, h.settings.Email)
	assert.True(t, h.rt.Running[infra.ServiceProxy])
}

// =============================================================================
// Mode-specific steps
// =============================================================================

func TestPeers_DeferredWhenRestartNotConfirmed(t *testing.T) {
	h := newHarness(t, infra.ModeHost, validation.TierDevelopment)
	h.rt.Running[infra.ServiceBlockchain] = true

	report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "peers", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Detail, "--auto-restart")
	assert.FileExists(t, h.netCfg.PeerFile)
	assert.NotContains(t, h.rt.GetCalls(), "Stop:blockchain")
}

func TestAdmin_CreatesOnceWithPasswordInEnv(t *testing.T) {
	h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
	h.settings.AdminEmail = "admin@trustanchor.network"
	h.settings.AdminPassword = "pV8rN2xq7LmT4wZs"
	var got infra.ExecOptions
	h.rt.ExecFunc = func(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
		got = opts
		return &infra.ExecResult{}, nil
	}

	report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "admin", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, report.Results[0].Status)
	assert.Equal(t, h.settings.AdminPassword, got.Env["ADMIN_PASSWORD"])
	assert.NotContains(t, strings.Join(got.Command, " "), h.settings.AdminPassword)

	report, err = h.orchestrator(t).Run(context.Background(), Options{Only: "admin", SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSatisfied, report.Results[0].Status)
}

func TestExtras(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proof.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"address":"0xabc"}`))
	}))
	defer srv.Close()

	t.Run("downloads", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
		h.settings.ExtrasURL = srv.URL + "/proof.json"
		h.settings.ExtrasPath = filepath.Join(t.TempDir(), "proof.json")
		report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "extras", SkipPreflight: true})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, report.Results[0].Status)
		data, err := os.ReadFile(h.settings.ExtrasPath)
		require.NoError(t, err)
		assert.Equal(t, `{"address":"0xabc"}`, string(data))
	})

	t.Run("not found fails", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
		h.settings.ExtrasURL = srv.URL + "/missing"
		h.settings.ExtrasPath = filepath.Join(t.TempDir(), "proof.json")
		_, err := h.orchestrator(t).Run(context.Background(), Options{Only: "extras", SkipPreflight: true})
		assert.Error(t, err)
		assert.NoFileExists(t, h.settings.ExtrasPath)
	})

	t.Run("no url skips", func(t *testing.T) {
		h := newHarness(t, infra.ModeContainer, validation.TierDevelopment)
		report, err := h.orchestrator(t).Run(context.Background(), Options{Only: "extras", SkipPreflight: true})
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, report.Results[0].Status)
	})
}
