package main

import (
	"fmt"
	"strings"
)

type commandKind int

const (
	cmdCamera commandKind = iota + 1
	cmdMicrophone
	cmdShare
	cmdUnshare
	cmdChat
	cmdLinks
	cmdLeave
)

type command struct {
	kind commandKind
	on   bool
	text string
}

const commandHelp = `commands:
  cam on|off    enable or disable the camera
  mic on|off    enable or disable the microphone
  share         replace the camera with a screen capture
  unshare       go back to the camera
  chat <text>   send a chat message to the room
  links         print the state of every peer link
  leave         leave the room and exit`

// parseCommand reads one line typed on stdin.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "cam", "camera":
		on, err := parseSwitch(rest)
		return command{kind: cmdCamera, on: on}, err
	case "mic", "microphone":
		on, err := parseSwitch(rest)
		return command{kind: cmdMicrophone, on: on}, err
	case "share":
		return command{kind: cmdShare}, nil
	case "unshare":
		return command{kind: cmdUnshare}, nil
	case "chat", "say":
		if rest == "" {
			return command{}, fmt.Errorf("chat needs a message")
		}
		return command{kind: cmdChat, text: rest}, nil
	case "links":
		return command{kind: cmdLinks}, nil
	case "leave", "quit", "exit":
		return command{kind: cmdLeave}, nil
	case "":
		return command{}, fmt.Errorf("empty command")
	}
	return command{}, fmt.Errorf("unknown command %q", verb)
}

func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}
