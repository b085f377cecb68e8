package container

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"nmstate-agent/internal/application/checkpoint"
	"nmstate-agent/internal/application/orchestrator"
	"nmstate-agent/internal/application/polling"
	"nmstate-agent/internal/application/usecases"
	"nmstate-agent/internal/application/watchdog"
	"nmstate-agent/internal/domain/constants"
	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/domain/services"
	"nmstate-agent/internal/infrastructure/adapters"
	"nmstate-agent/internal/infrastructure/backend"
	"nmstate-agent/internal/infrastructure/config"
	"nmstate-agent/internal/infrastructure/health"
	"nmstate-agent/internal/infrastructure/journal"
	"nmstate-agent/internal/infrastructure/remote"
	"nmstate-agent/internal/tools"
	"nmstate-agent/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Container는 의존성 주입을 관리하는 컨테이너입니다
type Container struct {
	config *config.Config
	logger *logrus.Logger

	// 인프라스트럭처 어댑터들
	fileSystem      interfaces.FileSystem
	commandExecutor interfaces.CommandExecutor
	clock           interfaces.Clock
	osDetector      interfaces.OSDetector

	// 상태 백엔드와 체크포인트 저널
	backend    interfaces.StateBackend
	journal    interfaces.CheckpointJournal
	journalDir string
	db         *sql.DB

	// 서비스들
	manager       *checkpoint.Manager
	verifier      *adapters.ProbeVerifier
	requests      *adapters.FileRequestTracker
	healthService *health.HealthService

	// 유스케이스
	applyUseCase    *usecases.ApplyStateUseCase
	getStateUseCase *usecases.GetStateUseCase
	planUseCase     *usecases.PlanStateUseCase
	rollbackUseCase *usecases.RollbackUseCase
	statusUseCase   *usecases.StatusUseCase
	confirmUseCase  *usecases.ConfirmUseCase

	// 채널과 오케스트레이터
	localChannel *orchestrator.LocalChannel
	orchestrator *orchestrator.Orchestrator
	watchdog     *watchdog.Watchdog
	tools        *tools.Registry
}

// NewContainer는 새로운 Container를 생성합니다
func NewContainer(cfg *config.Config, logger *logrus.Logger) (*Container, error) {
	container := &Container{
		config: cfg,
		logger: logger,
	}

	if err := container.initializeInfrastructure(); err != nil {
		container.Close()
		return nil, err
	}

	if err := container.initializeServices(); err != nil {
		container.Close()
		return nil, err
	}

	if err := container.initializeUseCases(); err != nil {
		container.Close()
		return nil, err
	}

	return container, nil
}

// initializeInfrastructure는 인프라스트럭처 컴포넌트들을 초기화합니다
func (c *Container) initializeInfrastructure() error {
	agent := c.config.Agent

	// 기본 어댑터들 초기화
	c.fileSystem = adapters.NewRealFileSystem()
	c.commandExecutor = adapters.NewRealCommandExecutor()
	if agent.UseNsenter {
		c.commandExecutor = adapters.NewNsenterExecutor(c.commandExecutor)
	}
	c.clock = adapters.NewRealClock()
	c.osDetector = adapters.NewRealOSDetector(c.fileSystem, agent.OSReleasePath)

	// 상태 백엔드
	factory := backend.NewFactory(c.osDetector, c.commandExecutor, c.fileSystem, c.clock, c.logger, backend.Options{
		CommandTimeout: agent.CommandTimeout,
		Netplan: backend.NetplanOptions{
			ConfigDir:  agent.NetplanConfigDir,
			ConfigFile: constants.NetplanConfigFile,
			StateDir:   filepath.Join(agent.StateDir, "netplan"),
		},
	})
	b, err := factory.Create(agent.Backend)
	if err != nil {
		return err
	}
	c.backend = b

	// 체크포인트 저널
	switch c.config.Journal.Driver {
	case config.JournalDriverMySQL:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db, err := journal.OpenMySQL(ctx, journal.MySQLConfig{
			Host:         c.config.Database.Host,
			Port:         c.config.Database.Port,
			User:         c.config.Database.User,
			Password:     c.config.Database.Password,
			Database:     c.config.Database.Database,
			MaxOpenConns: c.config.Database.MaxOpenConns,
			MaxIdleConns: c.config.Database.MaxIdleConns,
			MaxLifetime:  c.config.Database.MaxLifetime,
		})
		if err != nil {
			return err
		}
		c.db = db
		mj := journal.NewMySQLJournal(db, c.clock, c.logger)
		if err := mj.EnsureSchema(ctx); err != nil {
			return err
		}
		c.journal = mj
	default:
		c.journalDir = filepath.Join(agent.StateDir, "journal")
		fj, err := journal.NewFileJournal(c.journalDir, c.fileSystem, c.clock, c.logger)
		if err != nil {
			return err
		}
		c.journal = fj
	}

	return nil
}

// initializeServices는 서비스들을 초기화합니다
func (c *Container) initializeServices() error {
	c.manager = checkpoint.NewManager(c.backend, c.journal, c.clock, checkpoint.Config{
		RestoreMargin:   c.config.Agent.RestoreMargin,
		ResultRetention: c.config.Agent.ResultRetention,
		LocalHost:       c.config.Agent.HostName,
	}, c.logger)

	c.verifier = adapters.NewProbeVerifier(c.fileSystem, c.config.Agent.StateDir, 0, c.logger)
	c.requests = adapters.NewFileRequestTracker(c.fileSystem, c.config.Agent.StateDir, c.logger)

	// 헬스 서비스
	c.healthService = health.NewHealthService(c.clock, c.logger)
	c.healthService.SetBackend(c.backend.Name())
	c.healthService.SetOpenCheckpoints(c.manager.OpenCount)

	c.watchdog = watchdog.NewWatchdog(c.manager, c.logger)
	c.watchdog.SetObserver(func(res watchdog.SweepResult, err error) {
		c.healthService.RecordSweep(res.Recovered, res.Pruned, err)
	})

	return nil
}

// initializeUseCases는 유스케이스와 채널, 도구들을 초기화합니다
func (c *Container) initializeUseCases() error {
	agent := c.config.Agent
	management := services.ManagementContext{
		Interfaces: agent.ManagementInterfaces,
		Address:    agent.ManagementAddress,
	}

	c.applyUseCase = usecases.NewApplyStateUseCase(c.manager, c.verifier, c.clock, usecases.ApplyStateConfig{
		Management:         management,
		DefaultGracePeriod: agent.VerifyGrace,
		RestoreTimeout:     agent.RestoreTimeout,
	}, c.logger)
	c.getStateUseCase = usecases.NewGetStateUseCase(c.backend, c.logger)
	c.planUseCase = usecases.NewPlanStateUseCase(c.backend, management, c.logger)
	c.rollbackUseCase = usecases.NewRollbackUseCase(c.manager, c.logger)
	c.statusUseCase = usecases.NewStatusUseCase(c.manager, c.requests)
	c.confirmUseCase = usecases.NewConfirmUseCase(c.manager, c.verifier, c.logger)

	c.localChannel = orchestrator.NewLocalChannel(c.applyUseCase, c.getStateUseCase, c.planUseCase, c.rollbackUseCase)

	// 인벤토리가 있을 때만 원격 채널 사용
	var remoteChannel interfaces.HostChannel
	if c.config.Remote.InventoryFile != "" {
		ch, err := c.newRemoteChannel()
		if err != nil {
			return err
		}
		remoteChannel = ch
	}

	c.orchestrator = orchestrator.NewOrchestrator(c.localChannel, remoteChannel, c.clock, orchestrator.Config{
		LocalHost:         agent.HostName,
		Concurrency:       c.config.Remote.Concurrency,
		HostTimeoutMargin: c.config.Remote.HostTimeoutMargin,
	}, c.logger)

	registry, err := tools.NewRegistry(c.orchestrator, tools.Defaults{
		Timeout:      agent.ApplyTimeout,
		GracePeriod:  agent.VerifyGrace,
		ProbeTargets: agent.ProbeTargets,
	}, c.logger)
	if err != nil {
		return err
	}
	c.tools = registry

	return nil
}

func (c *Container) newRemoteChannel() (*remote.SSHChannel, error) {
	rc := c.config.Remote
	inventory, err := remote.LoadInventory(rc.InventoryFile)
	if err != nil {
		return nil, err
	}
	return remote.NewSSHChannel(inventory, remote.Config{
		AgentPath:       rc.AgentPath,
		User:            rc.User,
		KeyFile:         rc.KeyFile,
		KnownHostsFile:  rc.KnownHostsFile,
		InsecureHostKey: rc.InsecureHostKey,
		ConnectTimeout:  rc.ConnectTimeout,
		ConfirmInterval: rc.ConfirmInterval,
		Retry: utils.RetryConfig{
			MaxAttempts:  rc.RetryAttempts,
			InitialDelay: rc.RetryDelay,
			MaxDelay:     utils.DefaultRetryConfig.MaxDelay,
			Multiplier:   utils.DefaultRetryConfig.Multiplier,
		},
	}, c.clock, c.logger)
}

// PingJournal은 저널 저장소에 접근 가능한지 확인합니다
func (c *Container) PingJournal(ctx context.Context) error {
	if c.db != nil {
		return c.db.PingContext(ctx)
	}
	if !c.fileSystem.Exists(c.journalDir) {
		return fmt.Errorf("journal directory %s is missing", c.journalDir)
	}
	return nil
}

// NewWatchdogController는 설정된 백오프로 watchdog 폴링 컨트롤러를 만듭니다
func (c *Container) NewWatchdogController() *polling.PollingController {
	wc := c.config.Watchdog
	strategy := polling.NewExponentialBackoffStrategy(wc.Interval, wc.MaxInterval, wc.Multiplier, c.logger)
	return polling.NewPollingController(strategy, c.logger)
}

// DefaultPolicy는 설정된 기본 검증 정책입니다
func (c *Container) DefaultPolicy() entities.VerificationPolicy {
	return entities.VerificationPolicy{
		Mode:         entities.VerificationAuto,
		GracePeriod:  c.config.Agent.VerifyGrace,
		ProbeTargets: c.config.Agent.ProbeTargets,
	}
}

// GetConfig는 설정을 반환합니다
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetBackend는 상태 백엔드를 반환합니다
func (c *Container) GetBackend() interfaces.StateBackend {
	return c.backend
}

// GetHealthService는 헬스 서비스를 반환합니다
func (c *Container) GetHealthService() *health.HealthService {
	return c.healthService
}

// GetLocalChannel은 로컬 채널을 반환합니다
func (c *Container) GetLocalChannel() *orchestrator.LocalChannel {
	return c.localChannel
}

// GetOrchestrator는 오케스트레이터를 반환합니다
func (c *Container) GetOrchestrator() *orchestrator.Orchestrator {
	return c.orchestrator
}

// GetStatusUseCase는 상태 조회 유스케이스를 반환합니다
func (c *Container) GetStatusUseCase() *usecases.StatusUseCase {
	return c.statusUseCase
}

// GetRequestTracker는 전달된 요청 추적기를 반환합니다
func (c *Container) GetRequestTracker() interfaces.RequestTracker {
	return c.requests
}

// GetConfirmUseCase는 도달 확인 유스케이스를 반환합니다
func (c *Container) GetConfirmUseCase() *usecases.ConfirmUseCase {
	return c.confirmUseCase
}

// GetWatchdog은 watchdog을 반환합니다
func (c *Container) GetWatchdog() *watchdog.Watchdog {
	return c.watchdog
}

// GetTools는 도구 레지스트리를 반환합니다
func (c *Container) GetTools() *tools.Registry {
	return c.tools
}

// Close는 컨테이너를 정리합니다
func (c *Container) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
