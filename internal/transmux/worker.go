package transmux

import (
	"log/slog"

	"playbackengine/internal/domain"
)

// Engine is the transmuxing implementation hosted by a Worker. Engines run
// exclusively on the worker goroutine; they never see the coordinator.
// Flush and EndTimeline emit their output events through emit and return
// when no more data is pending for the current unit.
type Engine interface {
	SetAudioAppendStart(seconds float64)
	AlignGopsWith(gops []domain.GopInfo)
	Push(data []byte)
	Flush(emit func(EventMessage))
	EndTimeline(emit func(EventMessage))
	Reset()
}

// Worker runs an Engine on its own goroutine and exchanges messages over
// bounded channels. It is the only boundary between the control path and
// the engine; no memory is shared, byte payloads cross as views.
type Worker struct {
	engine  Engine
	actions chan ActionMessage
	events  chan EventMessage
	quit    chan struct{}
	logger  *slog.Logger
}

const (
	actionQueueSize = 16
	eventQueueSize  = 64
)

func NewWorker(engine Engine, logger *slog.Logger) *Worker {
	w := &Worker{
		engine:  engine,
		actions: make(chan ActionMessage, actionQueueSize),
		events:  make(chan EventMessage, eventQueueSize),
		quit:    make(chan struct{}),
		logger:  logger,
	}
	go w.run()
	return w
}

// Send enqueues one action. It blocks if the action channel is full, which
// backpressures the coordinator rather than dropping work.
func (w *Worker) Send(msg ActionMessage) {
	select {
	case w.actions <- msg:
	case <-w.quit:
	}
}

// Events is the single-consumer event stream.
func (w *Worker) Events() <-chan EventMessage {
	return w.events
}

// Terminate stops the worker goroutine. In-flight engine work finishes; no
// further events are delivered after the events channel closes.
func (w *Worker) Terminate() {
	close(w.quit)
}

func (w *Worker) run() {
	defer close(w.events)
	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.actions:
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg ActionMessage) {
	switch msg.Action {
	case ActionSetAudioAppendStart:
		w.engine.SetAudioAppendStart(msg.AppendStart)
	case ActionAlignGopsWith:
		w.engine.AlignGopsWith(msg.GopsToAlignWith)
	case ActionPush:
		// Reconstruct the typed view; the slice may be a subrange of a
		// larger shared buffer.
		view := BytePayload{Data: msg.Data, ByteOffset: msg.ByteOffset, ByteLength: msg.ByteLength}.View()
		w.engine.Push(view)
	case ActionFlush:
		w.engine.Flush(w.emit)
		w.emit(EventMessage{Kind: EventDone, TerminalType: terminalType})
	case ActionEndTimeline:
		w.engine.EndTimeline(w.emit)
		w.emit(EventMessage{Kind: EventEndedTimeline, TerminalType: terminalType})
	case ActionReset:
		w.engine.Reset()
	default:
		w.logger.Warn("transmux worker: unknown action", slog.String("action", string(msg.Action)))
	}
}

func (w *Worker) emit(e EventMessage) {
	select {
	case w.events <- e:
	case <-w.quit:
	}
}
