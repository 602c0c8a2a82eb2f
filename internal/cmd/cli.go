// Package cmd defines the usbbridge command-line surface.
package cmd

// LogConfig groups the logging flags shared by all commands.
type LogConfig struct {
	Level   string `help:"Log level (trace|debug|info|warn|error)" default:"info" env:"USBBRIDGE_LOG_LEVEL"`
	File    string `help:"Log file path" env:"USBBRIDGE_LOG_FILE"`
	RawFile string `help:"Raw wire-traffic log file path" env:"USBBRIDGE_LOG_RAW_FILE"`
}

// CLI is the root command structure parsed by kong.
type CLI struct {
	Log        LogConfig     `embed:"" prefix:"log."`
	ConfigPath string        `name:"config" help:"Path to a configuration file" type:"path"`
	Attach     Attach        `cmd:"" help:"Import a remote device and attach it to the local virtual host controller"`
	Detach     Detach        `cmd:"" help:"Detach a device from a virtual port"`
	PortStatus PortStatus    `cmd:"" name:"port-status" help:"Show the virtual host controller's per-port status"`
	Config     ConfigCommand `cmd:"" help:"Configuration helpers"`
}
