package bootstrap

import (
	"context"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
)

// ServiceConfig carries server-level defaults applied to runs that leave the
// corresponding RunSpec fields empty.
type ServiceConfig struct {
	MaxIterations int
	SandboxMode   string
	BranchPrefix  string
}

// Service ties worktree preparation and the repair loop into a single Run
// call. It is the entry point the gateway and CLI use.
type Service struct {
	preparer *WorktreePreparer
	loop     *Loop
	cfg      ServiceConfig
	logger   *logger.Logger
}

// NewService creates the bootstrap service.
func NewService(preparer *WorktreePreparer, loop *Loop, cfg ServiceConfig, log *logger.Logger) *Service {
	return &Service{
		preparer: preparer,
		loop:     loop,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "bootstrap")),
	}
}

// Run prepares an isolated worktree for the spec's project and drives the
// repair loop in it.
func (s *Service) Run(ctx context.Context, spec RunSpec) (*LoopResult, error) {
	s.applyDefaults(&spec)

	prep, err := s.preparer.Prepare(ctx, spec.Project, spec.Worktree.BranchPrefix)
	if err != nil {
		return nil, err
	}

	s.logger.Info("bootstrap run starting",
		zap.String("project", spec.Project.Value),
		zap.String("worktree", prep.WorktreeDir),
		zap.Int("max_iterations", spec.MaxIterations))
	return s.loop.Run(ctx, prep, spec)
}

func (s *Service) applyDefaults(spec *RunSpec) {
	if spec.MaxIterations <= 0 {
		spec.MaxIterations = s.cfg.MaxIterations
	}
	if spec.Worktree.BranchPrefix == "" {
		spec.Worktree.BranchPrefix = s.cfg.BranchPrefix
	}
	if spec.Sandbox.Backend == "" {
		spec.Sandbox.Backend = SandboxBackend(s.cfg.SandboxMode)
	}
	if spec.Sandbox.Backend == "" {
		spec.Sandbox.Backend = SandboxNone
	}
}
