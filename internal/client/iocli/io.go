package iocli

// IO is the terminal the client commands talk to
type IO interface {
	Println(a ...any)
	Printf(format string, a ...any)
	ReadInput(prompt string) (string, error)
	ReadPassword(prompt string) (string, error)
	Write(p []byte) (n int, err error)
	// IsTerminal reports whether output goes to an interactive terminal
	IsTerminal() bool
}
