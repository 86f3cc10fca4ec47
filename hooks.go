package grpchost

// ServerHooks is the capability set invoked at each server lifecycle
// boundary (§6, §9's re-architecture of "hooks as a name-keyed bag of
// closures"). Every field is optional; a zero-valued ServerHooks is a
// complete no-op set. [Server.callHook] recovers a panicking hook, logs it
// at warn level, and lets the loop continue (§7's Lifecycle warnings) —
// unless OnFatal is set, in which case it is invoked with the recovered
// failure and Run returns that error (or an earlier one). A fatal failure
// before the event loop skips the remaining stages except exit; one in the
// shutdown or stopped hook still lets the later stages run.
type ServerHooks struct {
	// OnServerCreate fires after the server object is created.
	OnServerCreate func()
	// OnQueueCreate fires after server_create, once the dispatch table has
	// been frozen; the listener is not created until the bind stage.
	OnQueueCreate func()
	// OnBind fires after the listener is bound, before server_start, with
	// the resolved port — the sole contractual channel for surfacing an
	// ephemeral port (§9).
	OnBind func(port int)
	// OnServerStart fires after the server begins accepting connections.
	OnServerStart func()
	// OnRun fires immediately before entering the event loop.
	OnRun func()
	// OnShutdown fires as soon as an exit condition is detected.
	OnShutdown func()
	// OnStopped fires after runtime shutdown completes.
	OnStopped func()
	// OnExit fires unconditionally on scope exit, even on error.
	OnExit func()
	// OnFatal fires when a hook-triggered failure is labelled fatal; it
	// aborts run() rather than merely logging.
	OnFatal func(err error)
}

func (h ServerHooks) serverCreate() {
	if h.OnServerCreate != nil {
		h.OnServerCreate()
	}
}

func (h ServerHooks) queueCreate() {
	if h.OnQueueCreate != nil {
		h.OnQueueCreate()
	}
}

func (h ServerHooks) bind(port int) {
	if h.OnBind != nil {
		h.OnBind(port)
	}
}

func (h ServerHooks) serverStart() {
	if h.OnServerStart != nil {
		h.OnServerStart()
	}
}

func (h ServerHooks) run() {
	if h.OnRun != nil {
		h.OnRun()
	}
}

func (h ServerHooks) shutdown() {
	if h.OnShutdown != nil {
		h.OnShutdown()
	}
}

func (h ServerHooks) stopped() {
	if h.OnStopped != nil {
		h.OnStopped()
	}
}

func (h ServerHooks) exit() {
	if h.OnExit != nil {
		h.OnExit()
	}
}
