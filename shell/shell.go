// Package shell provides ACMEShell, an interactive operator console over the
// account, orchestrator and challenge packages, for driving an ACME server
// by hand during development and debugging.
//
// Grounded on the teacher's shell/acmeshell.go ishell.NewWithConfig +
// shell.Set/shell.Get wiring, generalized from a console of 30-odd
// one-command-per-ACME-verb packages (newOrder, getAuthz, poll, solve,
// finalize, ...) into a console of a handful of commands, one per
// Orchestrator/Account Manager operation, since the multi-step ACME
// exchange those verbs used to drive by hand is now the orchestrator's
// single Run call.
package shell

import (
	"context"

	"github.com/abiosoft/ishell"
	"github.com/abiosoft/readline"
	"github.com/sirupsen/logrus"

	"github.com/cpu/acmed/account"
	"github.com/cpu/acmed/acme/client"
	"github.com/cpu/acmed/challenge"
	"github.com/cpu/acmed/orchestrator"
)

const (
	// BasePrompt is the base prompt used for the ishell instance.
	BasePrompt = "[ acmed ] > "

	clientKey  = "client"
	managerKey = "manager"
	orchKey    = "orchestrator"
	ctxKey     = "ctx"
)

// Options configures a new console.
type Options struct {
	client.ClientConfig

	HTTPAddr string
	TLSAddr  string
	DNSAddr  string
}

// ACMEShell is an ishell.Shell instance wired up with an ACME client,
// account manager and order orchestrator for interactive use.
type ACMEShell struct {
	*ishell.Shell
}

// New builds an ACMEShell. Building the underlying ACME client fetches the
// server's directory, so New contacts the server once before returning.
func New(ctx context.Context, opts Options, log *logrus.Entry) (*ACMEShell, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c, err := client.NewClient(ctx, opts.ClientConfig)
	if err != nil {
		return nil, err
	}

	mgr := account.New(c, log)

	solvers := challenge.NewRegistry()
	solvers.Register(challenge.NewDNS01Solver(opts.DNSAddr, log), 30)
	solvers.Register(challenge.NewTLSALPN01Solver(opts.TLSAddr, log), 20)
	solvers.Register(challenge.NewHTTP01Solver(opts.HTTPAddr, log), 10)

	orch := orchestrator.New(c, solvers, orchestrator.Config{}, log)

	sh := ishell.NewWithConfig(&readline.Config{Prompt: BasePrompt})
	sh.Set(ctxKey, ctx)
	sh.Set(clientKey, c)
	sh.Set(managerKey, mgr)
	sh.Set(orchKey, orch)

	addCommands(sh)

	return &ACMEShell{Shell: sh}, nil
}

// Run drops into an interactive session that blocks until the operator
// exits the shell.
func (s *ACMEShell) Run() {
	s.Println("Welcome to acmed. Type 'help' for a list of commands.")
	s.Shell.Run()
	s.Println("Goodbye!")
}

// shellContext is satisfied by both *ishell.Shell and *ishell.Context,
// letting command handlers fetch dependencies through either.
type shellContext interface {
	Get(string) interface{}
}

func getClient(c shellContext) *client.Client {
	return c.Get(clientKey).(*client.Client)
}

func getManager(c shellContext) *account.Manager {
	return c.Get(managerKey).(*account.Manager)
}

func getOrchestrator(c shellContext) *orchestrator.Orchestrator {
	return c.Get(orchKey).(*orchestrator.Orchestrator)
}

func getCtx(c shellContext) context.Context {
	return c.Get(ctxKey).(context.Context)
}
