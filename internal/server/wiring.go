package server

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/trustmesh/internal/chain"
	"github.com/mbd888/trustmesh/internal/circuitbreaker"
	"github.com/mbd888/trustmesh/internal/commerce"
	"github.com/mbd888/trustmesh/internal/facilitator"
	"github.com/mbd888/trustmesh/internal/health"
	"github.com/mbd888/trustmesh/internal/identity"
	"github.com/mbd888/trustmesh/internal/ledger"
	"github.com/mbd888/trustmesh/internal/payment"
	"github.com/mbd888/trustmesh/internal/reputation"
	"github.com/mbd888/trustmesh/internal/retry"
	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/settlement"
	"github.com/mbd888/trustmesh/internal/topiclog"
	"github.com/mbd888/trustmesh/internal/validation"
	"github.com/mbd888/trustmesh/internal/wallet"
)

// Breaker settings for the facilitator.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// stores groups the persistence chosen for one process.
type stores struct {
	feedback    reputation.Store
	snapshots   reputation.SnapshotStore
	validations validation.Store
	received    payment.Store
	ledger      ledger.Store
	orders      commerce.Store
}

func memoryStores() stores {
	return stores{
		feedback:    reputation.NewMemoryStore(),
		snapshots:   reputation.NewMemorySnapshotStore(),
		validations: validation.NewMemoryStore(),
		received:    payment.NewMemoryStore(),
		ledger:      ledger.NewMemoryStore(),
		orders:      commerce.NewMemoryStore(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		feedback:    reputation.NewPostgresStore(db),
		snapshots:   reputation.NewPostgresSnapshotStore(db),
		validations: validation.NewPostgresStore(db),
		received:    payment.NewPostgresStore(db),
		ledger:      ledger.NewPostgresStore(db),
		orders:      commerce.NewPostgresStore(db),
	}
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.health.Register(health.Ping("postgres", db.PingContext))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.health.Register(health.Ping("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	s.logger.Info("using Redis for received payments and rate limits")
	return nil
}

// keys parses PRIVATE_KEY followed by AGENT_KEYS.
func (s *Server) keys() ([]*ecdsa.PrivateKey, error) {
	var raw []string
	if s.cfg.PrivateKey != "" {
		raw = append(raw, s.cfg.PrivateKey)
	}
	raw = append(raw, s.cfg.AgentKeys...)

	keys := make([]*ecdsa.PrivateKey, 0, len(raw))
	for _, k := range raw {
		key, err := chain.ParsePrivateKey(k)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Server) dialChain(ctx context.Context) (chain.EthClient, error) {
	if s.eth != nil {
		return s.eth, nil
	}
	client, err := chain.Dial(ctx, s.cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	s.eth = client
	s.health.Register(health.Ping("rpc", func(ctx context.Context) error {
		_, err := client.NetworkID(ctx)
		return err
	}))
	return client, nil
}

func (s *Server) sender(ctx context.Context, key *ecdsa.PrivateKey) (*chain.Sender, error) {
	client, err := s.dialChain(ctx)
	if err != nil {
		return nil, err
	}
	return chain.NewSender(client, key, s.cfg.ChainID), nil
}

// agentStore picks the identity backend named by IDENTITY_BACKEND.
func (s *Server) agentStore(ctx context.Context, keys []*ecdsa.PrivateKey) (identity.Store, error) {
	switch s.cfg.IdentityBackend {
	case "postgres":
		return identity.NewPostgresStore(s.db), nil
	case "log":
		log, err := topiclog.OpenSQLite(s.cfg.TopicLogPath)
		if err != nil {
			return nil, err
		}
		s.topicLog = log
		s.health.Register(health.Ping("topiclog", log.Ping))
		store, err := identity.NewLogStore(ctx, log, s.cfg.RegistryTopicID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("identity registry on topic log", "path", s.cfg.TopicLogPath, "topic_id", store.TopicID())
		return store, nil
	case "contract":
		if len(keys) == 0 {
			return nil, fmt.Errorf("IDENTITY_BACKEND=contract requires PRIVATE_KEY")
		}
		sender, err := s.sender(ctx, keys[0])
		if err != nil {
			return nil, err
		}
		registry, err := chain.NewRegistry(sender, s.cfg.RegistryContract)
		if err != nil {
			return nil, err
		}
		s.logger.Info("identity registry on contract", "address", s.cfg.RegistryContract)
		return identity.NewContractStore(registry), nil
	default:
		return identity.NewMemoryStore(), nil
	}
}

// settler picks the settlement backend named by SETTLEMENT_MODE.
func (s *Server) settler(ctx context.Context, keys []*ecdsa.PrivateKey) (settlement.Settler, error) {
	policy := retry.Policy{Attempts: s.cfg.RetryAttempts, BaseDelay: s.cfg.RetryBaseDelay}

	switch s.cfg.SettlementMode {
	case "facilitator":
		return settlement.NewRemote(s.facilitator).
			WithStore(s.verifier.Store()).
			WithPublisher(s.hub).
			WithLogger(s.logger), nil
	case "wallet":
		if len(keys) == 0 {
			return nil, fmt.Errorf("SETTLEMENT_MODE=wallet requires PRIVATE_KEY")
		}
		ring := wallet.NewKeyring()
		for _, key := range keys {
			sender, err := s.sender(ctx, key)
			if err != nil {
				return nil, err
			}
			token, err := chain.NewToken(sender, s.cfg.USDCContract)
			if err != nil {
				return nil, err
			}
			ring.Add(wallet.New(token).WithConfirmationTimeout(s.cfg.ExternalTimeout * 6).WithLogger(s.logger))
		}
		s.logger.Info("settling on-chain", "usdc", s.cfg.USDCContract, "wallets", len(keys))
		return settlement.NewExecutor(ring).
			WithStore(s.verifier.Store()).
			WithRetry(policy).
			WithPublisher(s.hub).
			WithLogger(s.logger), nil
	default:
		return settlement.NewExecutor(s.ledger).
			WithStore(s.verifier.Store()).
			WithRetry(policy).
			WithPublisher(s.hub).
			WithLogger(s.logger), nil
	}
}

// build constructs every component for the configured backends.
func (s *Server) build(ctx context.Context) error {
	st := memoryStores()
	if s.cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return err
		}
		st = postgresStores(s.db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	if s.cfg.RedisURL != "" {
		if err := s.openRedis(ctx); err != nil {
			return err
		}
		st.received = payment.NewRedisStore(s.redis)
	}

	keys, err := s.keys()
	if err != nil {
		return err
	}

	agents, err := s.agentStore(ctx, keys)
	if err != nil {
		return err
	}
	s.identity = identity.NewService(agents, s.cfg.IdentityBackend).
		WithPublisher(s.hub).
		WithLogger(s.logger)
	if s.cfg.IsProduction() {
		s.identity.WithEndpointCheck(security.ValidateEndpointURL)
	} else {
		s.identity.WithEndpointCheck(security.ValidateEndpointSyntax)
	}

	validator, err := payment.NewValidator(s.cfg.MaxPayment, s.cfg.AllowedCurrencies)
	if err != nil {
		return err
	}
	s.verifier = payment.NewVerifier(st.received, validator).
		WithMaxAge(s.cfg.ProofMaxAge).
		WithPublisher(s.hub).
		WithLogger(s.logger)

	s.reputation = reputation.NewService(st.feedback).
		WithPayments(st.received).
		WithAgents(s.identity).
		WithPublisher(s.hub).
		WithLogger(s.logger)
	s.snapshots = st.snapshots
	s.snapshotWorker = reputation.NewWorker(s.reputation, st.snapshots, s.cfg.SnapshotInterval, s.logger)

	s.validation = validation.NewService(st.validations, validation.DuplicatePolicy(s.cfg.ValidationDuplicatePolicy)).
		WithAgents(s.identity).
		WithPublisher(s.hub).
		WithLogger(s.logger)

	s.ledger = ledger.New(st.ledger).WithLogger(s.logger)

	policy := retry.Policy{Attempts: s.cfg.RetryAttempts, BaseDelay: s.cfg.RetryBaseDelay}
	if s.cfg.FacilitatorURL != "" {
		s.facilitator = facilitator.New(s.cfg.FacilitatorURL).
			WithTimeout(s.cfg.ExternalTimeout).
			WithRetry(policy).
			WithBreaker(circuitbreaker.New(breakerThreshold, breakerCooldown)).
			WithLogger(s.logger)
		s.health.Register(health.Ping("facilitator", s.facilitator.Ping))
	}

	settler, err := s.settler(ctx, keys)
	if err != nil {
		return err
	}

	signers := commerce.NewSigners()
	for _, key := range keys {
		signers.Add(payment.NewSigner(key))
	}
	s.orders = commerce.New(st.orders, s.identity, s.reputation, s.verifier, signers).
		WithSettler(settler).
		WithRetry(policy).
		WithStepTimeout(s.cfg.ExternalTimeout * 3).
		WithPublisher(s.hub).
		WithLogger(s.logger)
	return nil
}
