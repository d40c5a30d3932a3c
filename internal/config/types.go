package config

var (
	brokerSchemes = map[string]bool{"ws": true, "wss": true}
	apiSchemes    = map[string]bool{"http": true, "https": true}
)

// ValidPriorities are the ntfy message priorities.
var ValidPriorities = map[string]bool{
	"min": true, "low": true, "default": true, "high": true, "urgent": true,
}

// ValidLogLevels are the zap level names accepted by logging.level.
var ValidLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}
