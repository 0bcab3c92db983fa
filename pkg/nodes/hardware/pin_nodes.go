package hardware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/node"
)

// pinRef resolves a board and validates a pin kind before every hardware
// call.
type pinRef struct {
	mgr     *hardware.Manager
	boardID string
	pin     int
}

func newPinRef(mgr *hardware.Manager, params map[string]any) pinRef {
	return pinRef{
		mgr:     mgr,
		boardID: node.ParamString(params, "board_id", ""),
		pin:     node.ParamInt(params, "pin", -1),
	}
}

func (r pinRef) resolve(kind hal.PinKind) (hal.Board, error) {
	board, ok := r.mgr.Board(r.boardID)
	if !ok {
		return nil, fmt.Errorf("unknown board %q", r.boardID)
	}

	pm, ok := r.mgr.PinManager(r.boardID)
	if !ok {
		return nil, fmt.Errorf("unknown board %q", r.boardID)
	}

	if err := pm.ValidatePinType(r.pin, kind); err != nil {
		return nil, err
	}

	return board, nil
}

// poller runs a read function on an interval while the flow runs. A zero
// interval disables it.
type poller struct {
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *poller) start(ctx context.Context, read func(context.Context)) {
	if p.interval <= 0 {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				read(runCtx)
			}
		}
	}()
}

func (p *poller) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.wg.Wait()
}

// DigitalWriteNode drives a raw digital pin.
type DigitalWriteNode struct {
	*node.Base
	ref pinRef
}

func NewDigitalWrite(id string, mgr *hardware.Manager, params map[string]any) *DigitalWriteNode {
	n := &DigitalWriteNode{ref: newPinRef(mgr, params)}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:digital-write",
		Category:    node.CategoryHardware,
		Description: "Writes a digital level to a raw pin when triggered.",
		Inputs:      []node.PortDef{{Name: "value", Type: node.TypeBool, Default: false}},
		ExecInputs:  []string{"trigger"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *DigitalWriteNode) Execute(ctx context.Context, _ string) error {
	board, err := n.ref.resolve(hal.KindDigital)
	if err != nil {
		return err
	}

	if err := board.WriteDigital(ctx, n.ref.pin, node.ToBool(n.Input("value"))); err != nil {
		return err
	}

	n.FireExec(ctx, "done")

	return nil
}

// DigitalReadNode samples a raw digital pin, optionally on a polling loop.
type DigitalReadNode struct {
	*node.Base
	ref  pinRef
	poll poller
}

func NewDigitalRead(id string, mgr *hardware.Manager, params map[string]any) *DigitalReadNode {
	n := &DigitalReadNode{
		ref:  newPinRef(mgr, params),
		poll: poller{interval: time.Duration(node.ParamFloat(params, "poll_ms", 0)) * time.Millisecond},
	}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:digital-read",
		Category:    node.CategoryHardware,
		Description: "Reads a digital level from a raw pin.",
		Outputs:     []node.PortDef{{Name: "value", Type: node.TypeBool, Default: false}},
		ExecInputs:  []string{"read"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *DigitalReadNode) read(ctx context.Context) error {
	board, err := n.ref.resolve(hal.KindDigital)
	if err != nil {
		return err
	}

	level, err := board.ReadDigital(ctx, n.ref.pin)
	if err != nil {
		return err
	}

	n.SetOutput("value", level)

	return nil
}

func (n *DigitalReadNode) Execute(ctx context.Context, _ string) error {
	if err := n.read(ctx); err != nil {
		return err
	}

	n.FireExec(ctx, "done")

	return nil
}

func (n *DigitalReadNode) Start(ctx context.Context) error {
	n.poll.start(ctx, func(c context.Context) {
		if err := n.read(c); err != nil {
			n.SetErr(err)
		}
	})

	return nil
}

func (n *DigitalReadNode) Stop() { n.poll.stop() }

// AnalogReadNode samples a raw analog pin and derives voltage and threshold
// outputs, optionally on a polling loop.
type AnalogReadNode struct {
	*node.Base
	ref  pinRef
	poll poller
}

func NewAnalogRead(id string, mgr *hardware.Manager, params map[string]any) *AnalogReadNode {
	n := &AnalogReadNode{
		ref:  newPinRef(mgr, params),
		poll: poller{interval: time.Duration(node.ParamFloat(params, "poll_ms", 0)) * time.Millisecond},
	}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:analog-read",
		Category:    node.CategoryHardware,
		Description: "Reads a raw analog pin with voltage and threshold outputs.",
		Inputs: []node.PortDef{
			{Name: "threshold", Type: node.TypeNumber, Default: node.ParamFloat(params, "threshold", 512)},
		},
		Outputs: []node.PortDef{
			{Name: "value", Type: node.TypeNumber},
			{Name: "voltage", Type: node.TypeNumber},
			{Name: "above", Type: node.TypeBool},
		},
		ExecInputs:  []string{"read"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *AnalogReadNode) read(ctx context.Context) error {
	board, err := n.ref.resolve(hal.KindAnalog)
	if err != nil {
		return err
	}

	raw, err := board.ReadAnalog(ctx, n.ref.pin)
	if err != nil {
		return err
	}

	maxValue := 1
	if cap, ok := board.Capabilities().Pins[n.ref.pin]; ok && cap.MaxValue > 0 {
		maxValue = cap.MaxValue
	}

	n.SetOutput("value", float64(raw))
	n.SetOutput("voltage", float64(raw)/float64(maxValue)*hal.ReferenceVoltage)
	n.SetOutput("above", float64(raw) >= node.Number(n.Input("threshold"), 512))

	return nil
}

func (n *AnalogReadNode) Execute(ctx context.Context, _ string) error {
	if err := n.read(ctx); err != nil {
		return err
	}

	n.FireExec(ctx, "done")

	return nil
}

func (n *AnalogReadNode) Start(ctx context.Context) error {
	n.poll.start(ctx, func(c context.Context) {
		if err := n.read(c); err != nil {
			n.SetErr(err)
		}
	})

	return nil
}

func (n *AnalogReadNode) Stop() { n.poll.stop() }

// PWMWriteNode drives a raw PWM pin with a duty value.
type PWMWriteNode struct {
	*node.Base
	ref pinRef
}

func NewPWMWrite(id string, mgr *hardware.Manager, params map[string]any) *PWMWriteNode {
	n := &PWMWriteNode{ref: newPinRef(mgr, params)}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:pwm-write",
		Category:    node.CategoryHardware,
		Description: "Writes a PWM duty value to a raw pin when triggered.",
		Inputs:      []node.PortDef{{Name: "duty", Type: node.TypeNumber, Default: float64(0)}},
		ExecInputs:  []string{"trigger"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *PWMWriteNode) Execute(ctx context.Context, _ string) error {
	board, err := n.ref.resolve(hal.KindPWM)
	if err != nil {
		return err
	}

	if err := board.WriteAnalog(ctx, n.ref.pin, int(node.Number(n.Input("duty"), 0))); err != nil {
		return err
	}

	n.FireExec(ctx, "done")

	return nil
}
