package webapi

import (
	"context"
	"log/slog"

	"github.com/cryguy/jsgate/internal/core"
)

// consoleJS builds globalThis.console on top of the Go-backed __console.
// Objects are rendered as JSON when they serialize, so log lines stay
// useful without a full inspector.
const consoleJS = `
(function() {
	function render(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.stack ? String(arg) + '\n' + arg.stack : String(arg);
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return '[object Object]'; }
		}
		return String(arg);
	}
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) parts.push(render(arguments[j]));
				__console(lvl, parts.join(' '));
			};
		})(levels[i]);
	}
	con.trace = con.debug;
	con.dir = function(obj) { con.log(obj); };
	con.assert = function(cond) {
		if (cond) return;
		var args = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(args));
	};
	globalThis.console = con;
})();
`

// SetupConsole installs a console that writes through logger. Each line is
// tagged with the handle returned by current, which is zero outside a
// request.
func SetupConsole(rt core.JSRuntime, logger *slog.Logger, current func() core.Handle) error {
	if err := rt.RegisterFunc("__console", func(level, message string) {
		attrs := []slog.Attr{slog.String("source", "script")}
		if h := current(); h != 0 {
			attrs = append(attrs, slog.String("handle", h.String()))
		}
		logger.LogAttrs(context.Background(), consoleLevel(level), message, attrs...)
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}

func consoleLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
