// Package ui handles terminal interaction for the authentication flow.
package ui

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
)

// ConsoleUI prompts on the terminal. In non-interactive mode every prompt
// fails: the session file must already be authorized.
type ConsoleUI struct {
	nonInteractive bool
}

func NewConsoleUI(nonInteractive bool) *ConsoleUI {
	return &ConsoleUI{nonInteractive: nonInteractive}
}

// GetPhoneNumber prompts the user for their phone number.
func (u *ConsoleUI) GetPhoneNumber() (string, error) {
	if u.nonInteractive {
		return "", errors.New("authorization required but running non-interactive")
	}
	prompt := promptui.Prompt{
		Label: "Enter Phone Number (international format, e.g. +39...)",
		Validate: func(input string) error {
			if len(input) < 5 {
				return errors.New("phone number too short")
			}
			return nil
		},
	}
	return prompt.Run()
}

// GetCode prompts the user for the authentication code.
func (u *ConsoleUI) GetCode() (string, error) {
	if u.nonInteractive {
		return "", errors.New("authorization required but running non-interactive")
	}
	prompt := promptui.Prompt{
		Label: "Enter Code",
		Validate: func(input string) error {
			if len(input) == 0 {
				return errors.New("code cannot be empty")
			}
			return nil
		},
	}
	return prompt.Run()
}

// GetPassword prompts the user for their 2FA password.
func (u *ConsoleUI) GetPassword() (string, error) {
	if u.nonInteractive {
		return "", errors.New("authorization required but running non-interactive")
	}
	prompt := promptui.Prompt{
		Label: "Enter 2FA Password",
		Mask:  '*',
	}
	return prompt.Run()
}

// Printf writes a status line to the terminal.
func (u *ConsoleUI) Printf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}
