package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/newswire/adserve/internal/config"
	"github.com/newswire/adserve/internal/frequency"
	"github.com/newswire/adserve/internal/metrics"
	"github.com/newswire/adserve/internal/models"
	"go.uber.org/zap"
)

// State is the lifecycle phase of a mounted placement.
type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateVisible   State = "visible"
	StateClosing   State = "closing"
	StateDismissed State = "dismissed"
)

// CapGate is the frequency-cap contract the machine consults.  Satisfied
// by *frequency.Store.
type CapGate interface {
	ShouldShow(ctx context.Context, key string, policy frequency.Policy) bool
	MarkShown(ctx context.Context, key string, policy frequency.Policy)
}

// Hooks are the machine's callbacks into the render layer.  All hooks run
// under a recover guard: a panicking hook forces the machine to dismissed
// instead of crashing the host.
type Hooks struct {
	// OnReveal fires once on entering visible.  Render and impression
	// tracking hang off this.
	OnReveal func()
	// OnCloseEnabled fires when the close affordance becomes usable
	// (after the close-button delay or the interstitial minimum-visible
	// countdown).
	OnCloseEnabled func()
	// OnDismiss fires once on entering dismissed via a close path.  It
	// does not fire on Unmount.
	OnDismiss func()
}

// profile is the kind-specific behavior of a machine.
type profile struct {
	revealDelay      time.Duration
	closeButtonDelay time.Duration // close control hidden until elapsed
	minVisible       time.Duration // close control locked until elapsed
	autoClose        time.Duration // zero disables
	closingDuration  time.Duration
	scrollThreshold  float64 // >0: reveal waits for a scroll crossing
	exitIntent       bool    // reveal waits for a top-edge mouse leave
}

// Machine is the per-mount trigger state machine for one placement slot.
// Transitions are strictly sequential under the machine mutex; machines
// for different slots are fully independent and may be visible at the
// same time.
type Machine struct {
	placement models.Placement
	policy    frequency.Policy
	capKey    string
	caps      CapGate
	clock     Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	hooks     Hooks
	profile   profile

	mu           sync.Mutex
	ctx          context.Context
	state        State
	timers       []Timer
	closeEnabled bool
	scrollFired  bool
	exitFired    bool
	marked       bool
}

// NewPopup builds a welcome-popup machine: delayed reveal, optional
// close-button delay, optional auto-close countdown.
func NewPopup(cfg config.PopupTriggerConfig, deps Deps) *Machine {
	return newMachine(models.PlacementPopup, profile{
		revealDelay:      cfg.Delay,
		closeButtonDelay: cfg.CloseButtonDelay,
		autoClose:        cfg.AutoClose,
		closingDuration:  cfg.ClosingDuration,
	}, deps)
}

// NewBanner builds a floating/sticky banner machine: immediate reveal,
// optional auto-hide.
func NewBanner(placement models.Placement, cfg config.BannerTriggerConfig, deps Deps) *Machine {
	return newMachine(placement, profile{
		autoClose:       cfg.AutoHide,
		closingDuration: cfg.ClosingDuration,
	}, deps)
}

// NewScroll builds a scroll-triggered machine that reveals exactly once
// when the scroll fraction crosses the threshold.
func NewScroll(cfg config.ScrollTriggerConfig, deps Deps) *Machine {
	return newMachine(models.PlacementScroll, profile{
		scrollThreshold: cfg.ThresholdPct,
		autoClose:       cfg.AutoDismiss,
		closingDuration: cfg.ClosingDuration,
	}, deps)
}

// NewExitIntent builds an exit-intent machine that fires at most once per
// mount on a top-edge mouse leave.
func NewExitIntent(cfg config.ExitIntentTriggerConfig, deps Deps) *Machine {
	return newMachine(models.PlacementExitIntent, profile{
		exitIntent:      true,
		autoClose:       cfg.AutoClose,
		closingDuration: cfg.ClosingDuration,
	}, deps)
}

// NewInterstitial builds a mobile-interstitial machine: delayed reveal
// with a mandatory minimum-visible countdown before close is enabled.
func NewInterstitial(cfg config.InterstitialTriggerConfig, deps Deps) *Machine {
	return newMachine(models.PlacementInterstitial, profile{
		revealDelay:     cfg.Delay,
		minVisible:      cfg.MinVisible,
		closingDuration: cfg.ClosingDuration,
	}, deps)
}

// Deps are the collaborators shared by every machine kind.
type Deps struct {
	Policy  frequency.Policy
	CapKey  string
	Caps    CapGate
	Clock   Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Hooks   Hooks
}

func newMachine(placement models.Placement, sp profile, deps Deps) *Machine {
	clock := deps.Clock
	if clock == nil {
		clock = NewClock()
	}
	return &Machine{
		placement: placement,
		policy:    deps.Policy,
		capKey:    deps.CapKey,
		caps:      deps.Caps,
		clock:     clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		hooks:     deps.Hooks,
		profile:   sp,
		state:     StateIdle,
	}
}

// State returns the current lifecycle phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CloseEnabled reports whether the close affordance is currently usable.
func (m *Machine) CloseEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateVisible && m.closeEnabled
}

// Arm performs the idle→pending transition.  Frequency-cap eligibility is
// re-checked here; a capped placement goes straight to dismissed so its
// resources are released.  Returns true when the machine is armed.
func (m *Machine) Arm(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return false
	}

	if m.caps != nil && !m.caps.ShouldShow(ctx, m.capKey, m.policy) {
		m.metrics.RecordCapRejection(string(m.placement))
		m.transitionLocked(StateDismissed)
		m.mu.Unlock()
		return false
	}

	m.ctx = ctx
	m.transitionLocked(StatePending)

	// Event-armed kinds stay pending until their listener fires.
	if m.profile.scrollThreshold <= 0 && !m.profile.exitIntent {
		m.scheduleLocked(m.profile.revealDelay, m.reveal)
	}
	m.mu.Unlock()
	return true
}

// Scroll feeds a scroll sample to a scroll-armed machine.  The reveal
// fires exactly once when the scroll fraction crosses the threshold;
// later crossings in either direction are ignored.
func (m *Machine) Scroll(scrollY, documentHeight, viewportHeight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePending || m.profile.scrollThreshold <= 0 || m.scrollFired {
		return
	}

	scrollable := documentHeight - viewportHeight
	if scrollable <= 0 {
		return
	}
	fraction := scrollY / scrollable * 100
	if fraction < m.profile.scrollThreshold {
		return
	}

	m.scrollFired = true
	m.revealLocked()
}

// MouseLeave feeds a pointer-leave sample to an exit-intent machine.  A
// negative vertical movement crossing the top edge (clientY <= 0) fires
// the reveal at most once per mount.
func (m *Machine) MouseLeave(clientY int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePending || !m.profile.exitIntent || m.exitFired {
		return
	}
	if clientY > 0 {
		return
	}

	m.exitFired = true
	m.revealLocked()
}

// Close handles a manual dismiss.  Honored only while visible with the
// close affordance enabled (interstitials lock it until the countdown
// ends).  Returns true when the close was accepted.
func (m *Machine) Close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateVisible || !m.closeEnabled {
		return false
	}
	m.beginCloseLocked()
	return true
}

// Unmount tears the machine down from any state: every outstanding timer
// is cancelled and no callback fires afterwards.  Hooks are not invoked.
func (m *Machine) Unmount() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDismissed {
		return
	}
	m.cancelTimersLocked()
	m.transitionLocked(StateDismissed)
}

// reveal is the timer path into visible.
func (m *Machine) reveal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePending {
		return
	}
	m.revealLocked()
}

func (m *Machine) revealLocked() {
	m.transitionLocked(StateVisible)

	// The cap is marked at the moment the ad actually displays, never at
	// selection, so eligible-but-never-shown ads don't burn their cap.
	if m.caps != nil && !m.marked {
		m.marked = true
		m.caps.MarkShown(m.capCtx(), m.capKey, m.policy)
	}

	m.closeEnabled = m.profile.closeButtonDelay <= 0 && m.profile.minVisible <= 0
	if m.closeEnabled {
		m.runHookLocked(m.hooks.OnCloseEnabled)
		if m.state == StateDismissed {
			return
		}
	} else {
		delay := m.profile.closeButtonDelay
		if m.profile.minVisible > 0 {
			delay = m.profile.minVisible
		}
		m.scheduleLocked(delay, m.enableClose)
	}

	if m.profile.autoClose > 0 {
		m.scheduleLocked(m.profile.autoClose, m.autoClose)
	}

	m.runHookLocked(m.hooks.OnReveal)
}

func (m *Machine) enableClose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateVisible {
		return
	}
	m.closeEnabled = true
	m.runHookLocked(m.hooks.OnCloseEnabled)
}

func (m *Machine) autoClose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateVisible {
		return
	}
	m.beginCloseLocked()
}

func (m *Machine) beginCloseLocked() {
	m.transitionLocked(StateClosing)
	if m.profile.closingDuration <= 0 {
		m.dismissLocked()
		return
	}
	m.scheduleLocked(m.profile.closingDuration, m.finishClose)
}

func (m *Machine) finishClose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateClosing {
		return
	}
	m.dismissLocked()
}

func (m *Machine) dismissLocked() {
	m.cancelTimersLocked()
	m.transitionLocked(StateDismissed)
	m.runHookLocked(m.hooks.OnDismiss)
}

// transitionLocked records a state change.  Caller holds the mutex.
func (m *Machine) transitionLocked(next State) {
	m.state = next
	m.metrics.RecordTransition(string(m.placement), string(next))
	if m.logger != nil {
		m.logger.Debug("trigger transition",
			zap.String("placement", string(m.placement)),
			zap.String("state", string(next)),
		)
	}
}

// scheduleLocked starts a cancellable timer owned by this machine.  A
// non-positive delay still goes through the clock so ordering stays
// uniform.  Caller holds the mutex.
func (m *Machine) scheduleLocked(d time.Duration, f func()) {
	if d < 0 {
		d = 0
	}
	t := m.clock.AfterFunc(d, func() {
		defer m.recoverToDismissed()
		f()
	})
	m.timers = append(m.timers, t)
}

func (m *Machine) cancelTimersLocked() {
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

// runHookLocked invokes a hook under the recover guard.  Caller holds the
// mutex; hooks must not call back into the machine.
func (m *Machine) runHookLocked(hook func()) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Error("trigger hook panicked, dismissing",
					zap.String("placement", string(m.placement)),
					zap.Any("panic", r),
				)
			}
			m.cancelTimersLocked()
			m.transitionLocked(StateDismissed)
		}
	}()
	hook()
}

// recoverToDismissed is the scheduler boundary: a panic inside any timer
// callback is swallowed and the machine forced to dismissed.
func (m *Machine) recoverToDismissed() {
	if r := recover(); r != nil {
		if m.logger != nil {
			m.logger.Error("trigger callback panicked, dismissing",
				zap.String("placement", string(m.placement)),
				zap.Any("panic", r),
			)
		}
		m.mu.Lock()
		m.cancelTimersLocked()
		m.transitionLocked(StateDismissed)
		m.mu.Unlock()
	}
}

func (m *Machine) capCtx() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
