package tatara

import (
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	Debug      bool
	ConfigFile = "/etc/tatara.conf"
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
