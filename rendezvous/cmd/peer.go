package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/rendezvous/config"
	"github.com/sarchlab/rendezvous/connector"
	"github.com/sarchlab/rendezvous/datarecording"
	"github.com/sarchlab/rendezvous/monitoring"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
	"github.com/sarchlab/rendezvous/protocol"
)

var (
	peerConfigPath  string
	peerRounds      int
	peerMonitor     bool
	peerOpenMonitor bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run a connector described by a configuration file.",
	Long: `peer configures, binds and connects one connector, then runs the ` +
		`configured batches for a number of rounds and prints what each ` +
		`round received.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(peerConfigPath)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("rounds") {
			cfg.Rounds = peerRounds
		}

		if peerMonitor || peerOpenMonitor {
			cfg.Monitor.Enabled = true
		}

		cfg.ApplyLog(logrus.StandardLogger())

		p, err := newPeer(cfg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer p.close()

		if cfg.Monitor.Enabled {
			url, err := p.startMonitor()
			if err != nil {
				return err
			}

			if peerOpenMonitor {
				if err := browser.OpenURL(url); err != nil {
					printError("cannot open browser: %v", err)
				}
			}
		}

		return p.run()
	},
}

func init() {
	rootCmd.AddCommand(peerCmd)

	peerCmd.Flags().StringVarP(&peerConfigPath, "config", "c", "",
		"Peer configuration file")
	peerCmd.Flags().IntVar(&peerRounds, "rounds", 1,
		"Number of rounds to run, overriding the configuration")
	peerCmd.Flags().BoolVar(&peerMonitor, "monitor", false,
		"Serve the monitor")
	peerCmd.Flags().BoolVar(&peerOpenMonitor, "open-monitor", false,
		"Serve the monitor and open it in a browser")

	_ = peerCmd.MarkFlagRequired("config")
}

// peer is one connector run from a configuration.
type peer struct {
	cfg      *config.Config
	conn     *connector.Connector
	recorder datarecording.DataRecorder
	monitor  *monitoring.Monitor
	out      io.Writer
}

func newPeer(cfg *config.Config, out io.Writer) (*peer, error) {
	catalog, err := protocol.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	tieBreak, err := cfg.ParseTieBreak()
	if err != nil {
		return nil, err
	}

	b := connector.MakeBuilder().
		WithLogger(logrus.StandardLogger()).
		WithTieBreak(tieBreak).
		WithDecisionGrace(cfg.DecisionGrace).
		WithTraceCapacity(cfg.TraceCapacity).
		WithHistoryCapacity(cfg.HistoryCapacity)

	if cfg.ID != 0 {
		b = b.WithID(predicate.ConnectorID(cfg.ID))
	}

	p := &peer{cfg: cfg, out: out}

	if cfg.Record != "" {
		p.recorder = datarecording.New(cfg.Record)
		datarecording.RecordExecution(p.recorder)
		b = b.WithRecorder(p.recorder)
	}

	p.conn = b.Build(cfg.Name)

	err = p.conn.Configure(catalog, cfg.Entry)
	if err != nil {
		p.close()
		return nil, err
	}

	for _, cp := range cfg.Ports {
		if err := p.bind(cp); err != nil {
			p.close()
			return nil, err
		}
	}

	return p, nil
}

func (p *peer) bind(cp config.Port) error {
	switch cp.Bind {
	case "native":
		direction, err := port.ParsePolarity(cp.Direction)
		if err != nil {
			return err
		}

		return p.conn.BindNative(cp.Index, direction)
	case "active":
		return p.conn.BindActive(cp.Index, cp.Address)
	case "passive":
		return p.conn.BindPassive(cp.Index, cp.Address)
	default:
		return fmt.Errorf("port %d: unknown binding %q", cp.Index, cp.Bind)
	}
}

func (p *peer) startMonitor() (string, error) {
	p.monitor = monitoring.NewMonitor().WithPortNumber(p.cfg.Monitor.Port)
	p.monitor.RegisterConnector(p.conn)

	url, err := p.monitor.StartServer()
	if err != nil {
		return "", err
	}

	printInfo("monitor at %s", url)

	return url, nil
}

// stage stages the configured batches, one alternative each.
func (p *peer) stage() error {
	for i, ops := range p.cfg.Batches {
		if i > 0 {
			if _, err := p.conn.NextBatch(); err != nil {
				return err
			}
		}

		for _, op := range ops {
			var err error

			if op.Op == "put" {
				err = p.conn.Put(op.Port, []byte(op.Payload))
			} else {
				err = p.conn.Get(op.Port)
			}

			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *peer) run() error {
	err := p.conn.Connect(p.cfg.ConnectTimeout)
	if err != nil {
		return err
	}

	s := p.conn.Status()
	printInfo("%s connected as %d, root %d", s.Name, s.ID, s.Root)

	var bar *monitoring.ProgressBar
	if p.monitor != nil {
		bar = p.monitor.CreateProgressBar(s.Name, uint64(p.cfg.Rounds))
		defer p.monitor.CompleteProgressBar(bar)
	}

	for r := 0; r < p.cfg.Rounds; r++ {
		if err := p.stage(); err != nil {
			return err
		}

		if bar != nil {
			bar.IncrementInProgress(1)
		}

		index, err := p.conn.Sync(p.cfg.SyncTimeout)

		var fatal *connector.FatalError
		if errors.As(err, &fatal) {
			printError("round %d: %v", r, err)
			_ = p.conn.DumpDiagnosticLog(os.Stderr)

			return err
		}

		if err != nil {
			fmt.Fprintf(p.out, "round %d: %s\n", r, outcomeString(
				outcomeOf(err)))

			if bar != nil {
				bar.MoveInProgressToFailed(1)
			}

			if err := p.conn.ClearBatches(); err != nil {
				return err
			}

			continue
		}

		fmt.Fprintf(p.out, "round %d: %s batch %d\n", r,
			outcomeString("committed"), index)
		p.report(index)

		if bar != nil {
			bar.MoveInProgressToFinished(1)
		}
	}

	return nil
}

func outcomeOf(err error) string {
	switch connector.Code(-1, err) {
	case connector.CodeNoMatch:
		return "no match"
	case connector.CodeRolledBack:
		return "rolled back"
	default:
		return "fatal"
	}
}

// report prints the payloads the winning batch received.
func (p *peer) report(index int) {
	if index >= len(p.cfg.Batches) {
		return
	}

	for _, op := range p.cfg.Batches[index] {
		if op.Op != "get" {
			continue
		}

		payload, err := p.conn.TakeReceived(op.Port)
		if err != nil {
			fmt.Fprintf(p.out, "  port %d: %v\n", op.Port, err)
			continue
		}

		fmt.Fprintf(p.out, "  port %d <- %q\n", op.Port, payload)
	}
}

func (p *peer) close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			printError("closing: %v", err)
		}
	}

	if p.recorder != nil {
		if err := p.recorder.Close(); err != nil {
			printError("closing recording: %v", err)
		}
	}
}
