package worker

import (
	"fmt"
	"strings"
)

const (
	CommandGenerate = "generate"
	CommandHelp     = "help"
	CommandShutdown = "shutdown"
)

// Commands lists the protocol commands in the order help prints them.
var Commands = []string{CommandGenerate, CommandHelp, CommandShutdown}

var usage = map[string]string{
	CommandGenerate: `generate <distinguished name>
  Issues a client certificate for the distinguished name and writes the new
  private key followed by the certificate, both PEM encoded. Fields are
  separated by slashes, fields sharing one RDN by commas:
    generate /UID=recorder-12
    generate /CN=Bob,emailAddress=bob@example.com
`,
	CommandHelp: `help [command]
  Lists the available commands, or shows the usage of one command.
`,
	CommandShutdown: `shutdown
  Stops the worker serving the connection. Nothing is written back; the
  server replaces the worker.
`,
}

// Command is one parsed protocol line.
type Command struct {
	Name string
	// Argument is the rest of the line after the command name, trimmed.
	Argument string
}

// ParseCommand splits a request line into its command and argument.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, " ")
	return Command{Name: name, Argument: strings.TrimSpace(arg)}
}

func (c Command) String() string {
	if c.Argument == "" {
		return c.Name
	}
	return c.Name + " " + c.Argument
}

// Help returns the command list, or the usage block of command. Unknown
// commands get the command list.
func Help(command string) string {
	if text, ok := usage[strings.TrimSpace(command)]; ok {
		return text
	}
	return strings.Join(Commands, " ") + "\n"
}

func unknownCommand(name string) string {
	return fmt.Sprintf("error: unknown command %q\n", name)
}
