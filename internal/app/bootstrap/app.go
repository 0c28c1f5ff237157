package bootstrap

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"maia/internal/adapter/speech/tencent"
	"maia/internal/app/study"
	"maia/internal/db/postgres"
	redisdb "maia/internal/db/redis"
	"maia/internal/db/sqlite"
	"maia/internal/domain/conversation"
	"maia/internal/domain/memory"
	"maia/internal/domain/prompt"
	"maia/internal/domain/retrieval"
	"maia/internal/platform/config"
	applog "maia/internal/platform/log"
	"maia/internal/provider"
)

// Options 组装时的可选覆盖
type Options struct {
	// Completer 非空时替代按配置构建的补全客户端（测试与离线 bench）
	Completer conversation.Completer
	// Arms 参与研究的对照组，空表示全部
	Arms []conversation.Arm
	// ShuffleOrder 成对展示时随机化 A/B 顺序
	ShuffleOrder bool
}

// App 进程内组装好的研究栈
type App struct {
	Config      *config.AppConfig
	LLM         conversation.Completer
	Templates   *prompt.Store
	Embedder    retrieval.Embedder
	Sessions    memory.Store
	Repository  study.Repository
	Registry    *conversation.Registry
	Baseline    *conversation.BasePrompter
	Pipeline    *study.Pipeline
	Transcriber study.Transcriber

	redis *goredis.Client
}

// Build 按配置组装：补全后端、模板、向量、会话存储、评价库、对照组与流水线
func Build(ctx context.Context, cfg *config.AppConfig, opts Options) (*App, error) {
	app := &App{Config: cfg}

	templates, err := prompt.Load(cfg.Prompter.PromptsDir)
	if err != nil {
		return nil, err
	}
	app.Templates = templates

	if opts.Completer != nil {
		app.LLM = opts.Completer
	} else {
		client, err := NewCompletionClient(cfg.LLM)
		if err != nil {
			return nil, err
		}
		app.LLM = client
	}

	if cfg.Redis.URL != "" {
		rdb, err := connectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		app.redis = rdb
		app.Sessions = redisdb.NewSessionStore(redisdb.SessionStoreConfig{
			Client: rdb,
			TTL:    time.Duration(cfg.Redis.SessionTTLSeconds) * time.Second,
		})
		applog.Info("✅ Redis session store ready")
	} else {
		app.Sessions = memory.NewMemoryStore()
		applog.Info("ℹ️  No REDIS_URL set, sessions kept in process memory")
	}

	app.Embedder = buildEmbedder(cfg.Embedding, app.redis)

	repo, err := OpenRepository(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Repository = repo

	app.Registry = conversation.NewRegistry(conversation.Deps{
		LLM:       app.LLM,
		Templates: templates,
		Retriever: retrieval.NewRetriever(app.Embedder, cfg.Prompter.TopK),
		Store:     app.Sessions,
		Sink:      repo,
	}, PrompterOptions(cfg.Prompter))
	app.Baseline = conversation.NewBasePrompter(app.LLM, cfg.Prompter.BaselineTemperature, repo)

	if cfg.Speech.SecretID != "" {
		tr, err := tencent.New(tencent.Config{
			SecretID:  cfg.Speech.SecretID,
			SecretKey: cfg.Speech.SecretKey,
			Region:    cfg.Speech.Region,
			Engine:    cfg.Speech.Engine,
			Endpoint:  cfg.Speech.Endpoint,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Transcriber = tr
		applog.Info("✅ Tencent ASR transcriber ready", "engine", cfg.Speech.Engine)
	} else {
		applog.Info("ℹ️  No TENCENT_SECRET_ID set, speech input disabled")
	}

	app.Pipeline = study.NewPipeline(app.Baseline, app.Registry, app.Transcriber, study.PipelineConfig{
		Arms:    opts.Arms,
		Shuffle: opts.ShuffleOrder,
	})
	return app, nil
}

// PrompterOptions 配置到增强 prompter 参数
func PrompterOptions(cfg config.PrompterConfig) conversation.Options {
	return conversation.Options{
		MaxAttempts:         cfg.MaxAttempts,
		RetryBackoff:        time.Duration(cfg.RetryBackoffMillis) * time.Millisecond,
		GenerateTemperature: cfg.GenerateTemperature,
		ClarifyTemperature:  cfg.ClarifyTemperature,
		NumExamples:         cfg.NumExamples,
		DeferMemorize:       cfg.DeferMemorize,
		Deduplicate:         cfg.Deduplicate,
	}
}

// OpenRepository DATABASE_URL 优先，其次 SQLite，都为空时使用进程内存储
func OpenRepository(ctx context.Context, cfg *config.AppConfig) (study.Repository, error) {
	switch {
	case cfg.Database.URL != "":
		mctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Runtime.MigrationTimeoutSeconds)*time.Second)
		defer cancel()
		repo, err := postgres.Open(mctx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureTables(mctx); err != nil {
			repo.Close()
			return nil, err
		}
		applog.Info("✅ Connected to PostgreSQL")
		return repo, nil
	case cfg.SQLite.Path != "":
		return sqlite.Open(cfg.SQLite.Path)
	default:
		applog.Warn("⚠️  No database configured, evaluations kept in process memory")
		return study.NewMemoryRepository(), nil
	}
}

func connectRedis(ctx context.Context, cfg *config.AppConfig) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := goredis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Runtime.RedisPingTimeoutSeconds)*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	applog.Info("✅ Connected to Redis")
	return rdb, nil
}

// buildEmbedder openai 模式且有 Redis 时加一层向量缓存
func buildEmbedder(cfg config.EmbeddingConfig, rdb *goredis.Client) retrieval.Embedder {
	if cfg.Provider != "openai" {
		applog.Info("✅ Hashing embedder ready", "dims", cfg.Dims)
		return retrieval.NewHashingEmbedder(cfg.Dims)
	}

	oe := retrieval.NewOpenAIEmbedder(retrieval.OpenAIEmbedderConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Dims:    cfg.Dims,
	})
	applog.Infof("✅ Embedder initialized (model: %s, dims: %d)", oe.Model(), oe.Dims())
	if rdb == nil {
		return oe
	}
	namespace := fmt.Sprintf("%s:%d", oe.Model(), oe.Dims())
	applog.Infof("✅ Embedding cache initialized (TTL: %ds)", cfg.CacheTTLSeconds)
	return retrieval.NewCachedEmbedder(oe, redisdb.NewEmbeddingCache(rdb, cfg.CacheTTLSeconds), namespace)
}

// Close 等待进行中的回合并释放连接
func (a *App) Close() {
	if a.Registry != nil {
		a.Registry.CloseAll()
	}
	if a.Repository != nil {
		if err := a.Repository.Close(); err != nil {
			applog.Warn("⚠️  Repository close failed", "error", err)
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

// Backend 当前补全后端（注入的 Completer 返回空）
func (a *App) Backend() provider.Backend {
	if c, ok := a.LLM.(*provider.Client); ok {
		return c.Backend()
	}
	return ""
}
