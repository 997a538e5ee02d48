package streamhost

import (
	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/pump"
	"github.com/cryguy/streamhost/internal/webapi"
)

// Type aliases re-exporting internal types so embedders can use
// streamhost.Env, streamhost.Channel, etc. without importing internal
// packages.

type Config = core.EngineConfig
type StreamConfig = core.StreamConfig
type LogConfig = core.LogConfig
type MetricsConfig = core.MetricsConfig
type Env = core.Env
type Result = core.Result
type LogEntry = core.LogEntry
type StreamError = core.StreamError
type ScriptError = webapi.ScriptError

type Channel = channel.Channel
type ChannelOptions = channel.Options
type ChannelState = channel.State
type Reader = channel.Reader

type PumpOptions = pump.ReaderOptions
type Writer = pump.Writer
type PumpGroup = pump.Group

// Status codes shared with scripts.
const (
	StatusOK             = core.StatusOK
	StatusClosed         = core.StatusClosed
	StatusChannelFull    = core.StatusChannelFull
	StatusReceiverTaken  = core.StatusReceiverTaken
	StatusSendError      = core.StatusSendError
	StatusEmpty          = core.StatusEmpty
	StatusErrored        = core.StatusErrored
	StatusReaderReleased = core.StatusReaderReleased
)

// Errors re-exported from core.
var (
	ErrClosed         = core.ErrClosed
	ErrChannelFull    = core.ErrChannelFull
	ErrReceiverTaken  = core.ErrReceiverTaken
	ErrSendError      = core.ErrSendError
	ErrEmpty          = core.ErrEmpty
	ErrReaderReleased = core.ErrReaderReleased
	ErrNotSettled     = webapi.ErrNotSettled
)

// Functions re-exported from internal packages.
var (
	DefaultConfig = core.DefaultConfig
	LoadConfig    = core.LoadConfig
	NewLogger     = core.NewLogger
	SetLogger     = core.SetLogger
	StatusOf      = core.StatusOf
	ErrorOf       = core.ErrorOf

	NewChannel    = channel.New
	ChannelBytes  = channel.ByteLength
	PumpReader    = pump.FromReader
	NewWriter     = pump.NewWriter
	DrainTo       = pump.ToWriter
	NewPumpGroup  = pump.NewGroup
	FromWebSocket = pump.FromWebSocket
	ToWebSocket   = pump.ToWebSocket
)
