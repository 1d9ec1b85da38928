package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kellymusk/Aframp-backend/config"
	"github.com/kellymusk/Aframp-backend/core"
	"github.com/kellymusk/Aframp-backend/crypto"
	"github.com/kellymusk/Aframp-backend/native/common"
	"github.com/kellymusk/Aframp-backend/observability/logging"
	"github.com/kellymusk/Aframp-backend/rpc"
	"github.com/kellymusk/Aframp-backend/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AFRAMP_ENV"))
	logger := logging.Setup("aframpd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	passphrase, err := resolvePassphrase(cfg.KeystorePassphraseEnv, os.LookupEnv)
	if err != nil {
		logger.Error("failed to resolve keystore passphrase", slog.Any("error", err))
		os.Exit(1)
	}

	operatorKey, created, err := crypto.EnsureKeystore(cfg.KeystorePath, passphrase)
	if err != nil {
		logger.Error("failed to open operator keystore", slog.String("path", cfg.KeystorePath), slog.Any("error", err))
		os.Exit(1)
	}
	operator := operatorKey.PubKey().Address()
	if created {
		logger.Info("generated operator keystore",
			slog.String("path", cfg.KeystorePath),
			slog.String("address", operator.String()),
		)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.String("datadir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	genesis, err := buildGenesis(cfg.Genesis)
	if err != nil {
		logger.Error("invalid genesis configuration", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(db, core.NodeConfig{
		Genesis: genesis,
		Quota: common.Quota{
			MaxOrdersPerEpoch: cfg.Quota.MaxOrdersPerEpoch,
			MaxAmountPerEpoch: cfg.Quota.MaxAmountPerEpoch,
			EpochSeconds:      cfg.Quota.EpochSeconds,
		},
		EventLogSize: cfg.EventLogSize,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create node", slog.Any("error", err))
		os.Exit(1)
	}

	operatorToken := resolveOperatorToken(cfg.OperatorTokenEnv, os.LookupEnv)
	if operatorToken == "" {
		logger.Warn("operator token not set; bootstrap methods disabled",
			slog.String("env", cfg.OperatorTokenEnv),
		)
	}

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		OperatorToken:     operatorToken,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            logger,
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("settlement node initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("operator", operator.String()),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("shutting down")
	case err, ok := <-rpcErrCh:
		if ok && err != nil && err != http.ErrServerClosed {
			logger.Error("RPC server terminated", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rpcServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

type envLookupFunc func(string) (string, bool)

// resolvePassphrase reads the keystore passphrase from the configured
// environment variable. Whitespace-only passphrases are rejected to avoid
// unprotected keystores.
func resolvePassphrase(envName string, lookup envLookupFunc) (string, error) {
	name := strings.TrimSpace(envName)
	if name == "" {
		return "", fmt.Errorf("keystore passphrase environment variable not configured")
	}
	if lookup == nil {
		return "", fmt.Errorf("keystore passphrase required; set %s", name)
	}
	value, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("keystore passphrase required; set %s", name)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s is set but empty", name)
	}
	return value, nil
}

// resolveOperatorToken reads the operator bearer token. An unset or blank
// value disables the operator-gated RPC methods rather than failing startup.
func resolveOperatorToken(envName string, lookup envLookupFunc) string {
	name := strings.TrimSpace(envName)
	if name == "" || lookup == nil {
		return ""
	}
	value, ok := lookup(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// buildGenesis converts the TOML genesis section into the node's bootstrap
// declaration. A disabled section yields nil, leaving first boot to the
// gov_initialize RPC.
func buildGenesis(cfg config.Genesis) (*core.Genesis, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	admin, err := decodePrincipal(cfg.Admin)
	if err != nil {
		return nil, fmt.Errorf("genesis admin: %w", err)
	}
	treasury, err := decodePrincipal(cfg.FeeTreasury)
	if err != nil {
		return nil, fmt.Errorf("genesis fee treasury: %w", err)
	}
	resolver, err := decodePrincipal(cfg.DisputeResolver)
	if err != nil {
		return nil, fmt.Errorf("genesis dispute resolver: %w", err)
	}
	genesis := &core.Genesis{
		Admin:           admin,
		FeeRateBps:      cfg.FeeRateBps,
		FeeTreasury:     treasury,
		DisputeResolver: resolver,
	}
	for _, asset := range cfg.Assets {
		def := core.GenesisAsset{
			Symbol:   asset.Symbol,
			Name:     asset.Name,
			Decimals: asset.Decimals,
		}
		if strings.TrimSpace(asset.Admin) != "" {
			assetAdmin, err := decodePrincipal(asset.Admin)
			if err != nil {
				return nil, fmt.Errorf("genesis asset %s admin: %w", asset.Symbol, err)
			}
			def.Admin = assetAdmin
		}
		for _, balance := range asset.Balances {
			holder, err := decodePrincipal(balance.Address)
			if err != nil {
				return nil, fmt.Errorf("genesis asset %s balance: %w", asset.Symbol, err)
			}
			amount, err := config.ParseAmount(balance.Amount)
			if err != nil {
				return nil, fmt.Errorf("genesis asset %s balance for %s: %w", asset.Symbol, balance.Address, err)
			}
			def.Balances = append(def.Balances, core.GenesisBalance{
				Address: holder,
				Amount:  new(big.Int).Set(amount),
			})
		}
		genesis.Assets = append(genesis.Assets, def)
	}
	return genesis, nil
}

func decodePrincipal(addr string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	if decoded.Prefix() != crypto.AframpPrefix {
		return out, fmt.Errorf("address must carry the %q prefix", crypto.AframpPrefix)
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

// waitForRPCStartup blocks until the RPC listener accepts connections or the
// server goroutine reports an error, so a bad bind fails the process instead
// of leaving a half-started daemon.
func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
