package broker

import (
	"fmt"
	"strings"
	"time"
)

// Kind 会话类型
type Kind int

const (
	KindShell Kind = iota + 1
	KindScreen
)

func (k Kind) String() string {
	switch k {
	case KindShell:
		return "SHELL"
	case KindScreen:
		return "SCREEN"
	default:
		return "UNKNOWN"
	}
}

// ParseKind 解析会话类型，大小写不敏感
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SHELL":
		return KindShell, nil
	case "SCREEN":
		return KindScreen, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Kinds 返回所有会话类型
func Kinds() []Kind {
	return []Kind{KindShell, KindScreen}
}

// State 会话状态
type State int

const (
	StatePending State = iota + 1
	StateActive
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Open 是否为未结束状态（占用节点独占槽位）
func (s State) Open() bool {
	return s == StatePending || s == StateActive || s == StatePaused
}

// canTransition 状态转换表，CLOSED 为终态，PAUSED 仅 SCREEN 可用
func canTransition(kind Kind, from, to State) bool {
	switch from {
	case StatePending:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateClosed || (to == StatePaused && kind == KindScreen)
	case StatePaused:
		return to == StateActive || to == StateClosed
	default:
		return false
	}
}

// 关闭原因
const (
	ReasonTimeout            = "timeout"
	ReasonInactivity         = "inactivity"
	ReasonShutdown           = "shutdown"
	ReasonAgentDisconnected  = "agent_disconnected"
	ReasonViewerDisconnected = "viewer_disconnected"
	ReasonTransportError     = "transport_error"
	ReasonRequested          = "requested"
)

// ShellSettings 远程Shell参数
type ShellSettings struct {
	Flavor string `json:"flavor,omitempty"`
}

// ScreenSettings 屏幕镜像参数
type ScreenSettings struct {
	Quality    string `json:"quality,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Monitor    int    `json:"monitor"`
}

// Settings 创建时确定的会话参数快照，只有对应类型的部分生效
type Settings struct {
	Shell  *ShellSettings  `json:"shell,omitempty"`
	Screen *ScreenSettings `json:"screen,omitempty"`
}

var (
	shellFlavors   = map[string]bool{"cmd": true, "powershell": true, "bash": true, "sh": true}
	screenQuality  = map[string]bool{"low": true, "medium": true, "high": true}
	screenResModes = map[string]bool{"native": true, "scaled": true}
)

// normalizeSettings 校验参数并填充默认值，返回一份独立拷贝
func normalizeSettings(kind Kind, in Settings) (Settings, error) {
	switch kind {
	case KindShell:
		s := ShellSettings{Flavor: "cmd"}
		if in.Shell != nil && in.Shell.Flavor != "" {
			s.Flavor = strings.ToLower(in.Shell.Flavor)
		}
		if !shellFlavors[s.Flavor] {
			return Settings{}, fmt.Errorf("%w: shell flavor %q", ErrInvalidSettings, s.Flavor)
		}
		return Settings{Shell: &s}, nil

	case KindScreen:
		s := ScreenSettings{Quality: "medium", FPS: 10, Resolution: "scaled"}
		if in.Screen != nil {
			if in.Screen.Quality != "" {
				s.Quality = strings.ToLower(in.Screen.Quality)
			}
			if in.Screen.FPS != 0 {
				s.FPS = in.Screen.FPS
			}
			if in.Screen.Resolution != "" {
				s.Resolution = strings.ToLower(in.Screen.Resolution)
			}
			s.Monitor = in.Screen.Monitor
		}
		if !screenQuality[s.Quality] {
			return Settings{}, fmt.Errorf("%w: quality %q", ErrInvalidSettings, s.Quality)
		}
		if s.FPS < 1 || s.FPS > 60 {
			return Settings{}, fmt.Errorf("%w: fps %d out of range 1-60", ErrInvalidSettings, s.FPS)
		}
		if !screenResModes[s.Resolution] {
			return Settings{}, fmt.Errorf("%w: resolution %q", ErrInvalidSettings, s.Resolution)
		}
		if s.Monitor < 0 {
			return Settings{}, fmt.Errorf("%w: monitor %d", ErrInvalidSettings, s.Monitor)
		}
		return Settings{Screen: &s}, nil
	}
	return Settings{}, ErrUnknownKind
}

func (s Settings) clone() Settings {
	var out Settings
	if s.Shell != nil {
		sh := *s.Shell
		out.Shell = &sh
	}
	if s.Screen != nil {
		sc := *s.Screen
		out.Screen = &sc
	}
	return out
}

// Metrics 会话计数器，生命周期内只增不减
type Metrics struct {
	FramesRelayed uint64 `json:"frames_relayed,omitempty"`
	BytesRelayed  uint64 `json:"bytes_relayed,omitempty"`
	CommandCount  uint64 `json:"command_count,omitempty"`
	DroppedUnits  uint64 `json:"dropped_units,omitempty"`
}

// Delta 一次转发带来的计数增量
type Delta struct {
	Frames   uint64
	Bytes    uint64
	Commands uint64
	Dropped  uint64
}

func (m *Metrics) apply(d Delta) {
	m.FramesRelayed += d.Frames
	m.BytesRelayed += d.Bytes
	m.CommandCount += d.Commands
	m.DroppedUnits += d.Dropped
}

// entry 注册表内部持有的会话记录，只能在 Registry 锁内读写
type entry struct {
	id          string
	seq         uint64
	nodeID      string
	requestedBy string
	kind        Kind
	state       State

	createdAt      time.Time
	startedAt      time.Time
	endedAt        time.Time
	lastActivityAt time.Time
	closeReason    string

	settings Settings
	metrics  Metrics

	agent    Transport
	viewer   Transport
	relaying bool

	// done 在进入 CLOSED 时关闭
	done chan struct{}
}

// transition 唯一修改 state 的入口
func (e *entry) transition(to State, now time.Time) error {
	if !canTransition(e.kind, e.state, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, e.kind, e.state, to)
	}
	switch to {
	case StateActive:
		if e.startedAt.IsZero() {
			e.startedAt = now
		}
		e.lastActivityAt = now
	case StateClosed:
		e.endedAt = now
		close(e.done)
	}
	e.state = to
	return nil
}

// Snapshot 会话的只读投影
type Snapshot struct {
	ID             string     `json:"id"`
	NodeID         string     `json:"node_id"`
	RequestedBy    string     `json:"requested_by"`
	Kind           Kind       `json:"-"`
	KindName       string     `json:"kind"`
	State          State      `json:"-"`
	StateName      string     `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CloseReason    string     `json:"close_reason,omitempty"`
	Settings       Settings   `json:"settings"`
	Metrics        Metrics    `json:"metrics"`
	AgentAttached  bool       `json:"agent_attached"`
	ViewerAttached bool       `json:"viewer_attached"`
}

func (e *entry) snapshot() Snapshot {
	s := Snapshot{
		ID:             e.id,
		NodeID:         e.nodeID,
		RequestedBy:    e.requestedBy,
		Kind:           e.kind,
		KindName:       e.kind.String(),
		State:          e.state,
		StateName:      e.state.String(),
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivityAt,
		CloseReason:    e.closeReason,
		Settings:       e.settings.clone(),
		Metrics:        e.metrics,
		AgentAttached:  e.agent != nil,
		ViewerAttached: e.viewer != nil,
	}
	if !e.startedAt.IsZero() {
		t := e.startedAt
		s.StartedAt = &t
	}
	if !e.endedAt.IsZero() {
		t := e.endedAt
		s.EndedAt = &t
	}
	return s
}
