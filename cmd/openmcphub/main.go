package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"OpenMCP-Hub/internal/agent"
	"OpenMCP-Hub/internal/api"
	"OpenMCP-Hub/internal/capability/builtin"
	"OpenMCP-Hub/internal/capability/chain"
	"OpenMCP-Hub/internal/company"
	"OpenMCP-Hub/internal/config"
	"OpenMCP-Hub/internal/engine"
	"OpenMCP-Hub/internal/hub"
	"OpenMCP-Hub/internal/router"
	"OpenMCP-Hub/internal/step"
	"OpenMCP-Hub/internal/storage/archive"
	"OpenMCP-Hub/pkg/logger"
)

// main 是 OpenMCP hub 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("openmcphub 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("daemon")

	registry := step.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return err
	}
	if cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := chain.Register(registry, client); err != nil {
			return err
		}
	}
	executor := step.NewExecutor(registry)

	transport, err := openTransport(ctx, cfg.Router)
	if err != nil {
		return err
	}
	defer transport.Close()
	rt := router.New(cfg.Hub.Name, transport)

	h := hub.New(cfg.Hub.Name)
	defer h.Close()

	for _, ac := range cfg.Agents {
		w, err := startAgent(ctx, h, rt, executor, ac)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	history, err := openHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer history.Close()

	c := &company.Company{}
	if cfg.Hub.CompanyPath != "" {
		if c, err = company.Load(cfg.Hub.CompanyPath); err != nil {
			return err
		}
	}

	sup := engine.NewSupervisor()
	defer sup.Close()

	runner := company.NewRunner(c, h, sup,
		company.WithRouter(rt),
		company.WithHistory(history),
		company.WithDispatchTimeout(cfg.Hub.DispatchTimeout.Std()),
	)

	routerCtx, routerCancel := context.WithCancel(ctx)
	defer routerCancel()
	go func() {
		if err := rt.Run(routerCtx); err != nil {
			lg.Error("路由器异常退出", "error", err)
		}
	}()

	lg.Info("hub 已启动",
		"hub", cfg.Hub.Name,
		"transport", cfg.Router.Transport,
		"history", cfg.History.Driver,
		"agents", len(cfg.Agents),
		"capabilities", registry.IDs())

	server := api.NewServer(cfg.Server.Address, h, sup, runner,
		api.WithHistory(history),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openTransport(ctx context.Context, cfg config.RouterConfig) (router.Transport, error) {
	switch cfg.Transport {
	case "", "memory":
		return router.NewMemoryTransport(cfg.BufferSize), nil
	case "redis":
		return router.NewRedisTransport(ctx, router.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			BlockWait: cfg.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return router.NewRabbitMQTransport(router.RabbitMQConfig{
			URL:         cfg.RabbitMQ.URL,
			QueuePrefix: cfg.RabbitMQ.QueuePrefix,
			Prefetch:    cfg.RabbitMQ.Prefetch,
			Durable:     cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的路由传输方式: %s", cfg.Transport)
	}
}

func openHistory(ctx context.Context, cfg config.HistoryConfig) (archive.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return archive.NewMemoryRepository(cfg.Capacity), nil
	case archive.DriverMySQL, archive.DriverSQLite:
		return archive.OpenSQL(ctx, archive.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的运行历史驱动: %s", cfg.Driver)
	}
}

// startAgent 启动本地 agent，注册到 hub，并在路由器上对远程请求提供服务。
func startAgent(ctx context.Context, h *hub.Hub, rt *router.Router, exec *step.Executor, ac config.AgentConfig) (*agent.Worker, error) {
	root, err := pipeline(ac)
	if err != nil {
		return nil, err
	}
	var opts []agent.Option
	if ac.TaskTimeout > 0 {
		opts = append(opts, agent.WithTaskTimeout(ac.TaskTimeout.Std()))
	}
	w := agent.Start(ac.ID, agent.StepsHandler(exec, root), opts...)
	if _, err := h.Register(ctx, hub.Descriptor{ID: ac.ID, Name: ac.Name, Metadata: ac.Metadata}, w, ac.Capabilities); err != nil {
		w.Stop()
		return nil, err
	}
	w.Serve(rt)
	return w, nil
}

// pipeline 把能力列表串成顺序步骤：第一步读取任务输入，之后每步读取前一步结果。
func pipeline(ac config.AgentConfig) (step.Step, error) {
	if len(ac.Pipeline) == 0 {
		return step.Step{}, fmt.Errorf("agent %s 没有配置 pipeline", ac.ID)
	}
	steps := make([]step.Step, 0, len(ac.Pipeline))
	var opts []step.StepOption
	if ac.Retries > 0 {
		opts = append(opts, step.Retries(ac.Retries, 200*time.Millisecond))
	}
	prev := ""
	for i, target := range ac.Pipeline {
		id := fmt.Sprintf("%s.%d", ac.ID, i)
		param := step.InputValue()
		if prev != "" {
			param = step.Ref(prev)
		}
		steps = append(steps, step.Single(id, target, param, opts...))
		prev = id
	}
	return step.Sequence(ac.ID, steps...), nil
}
