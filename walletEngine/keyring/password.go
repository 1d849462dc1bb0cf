package keyring

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
)

const minPasswordLength = 8

var stdinReader = bufio.NewReader(os.Stdin)

// ValidatePasswordStrength validates password strength
func ValidatePasswordStrength(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.Newf(apperrors.ReasonWeakPassword, "password must be at least %d characters long", minPasswordLength)
	}

	hasUpper := false
	hasLower := false
	hasDigit := false
	hasSpecial := false

	for _, char := range password {
		switch {
		case char >= 'A' && char <= 'Z':
			hasUpper = true
		case char >= 'a' && char <= 'z':
			hasLower = true
		case char >= '0' && char <= '9':
			hasDigit = true
		case char >= 32 && char <= 126:
			hasSpecial = true
		}
	}

	var missing []string
	if !hasUpper {
		missing = append(missing, "uppercase letter")
	}
	if !hasLower {
		missing = append(missing, "lowercase letter")
	}
	if !hasDigit {
		missing = append(missing, "digit")
	}
	if !hasSpecial {
		missing = append(missing, "special character")
	}

	if len(missing) > 0 {
		return apperrors.Newf(apperrors.ReasonWeakPassword, "password must contain at least one: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PromptPassword reads a password from the terminal without echo, or a line
// from stdin when it is not a terminal.
func PromptPassword(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		password, err := stdinReader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read password from stdin: %w", err)
		}
		return strings.TrimSpace(password), nil
	}

	passwordBytes, err := term.ReadPassword(fd)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(out)
	return string(passwordBytes), nil
}

// PromptNewPassword prompts for a password and its confirmation and checks
// its strength.
func PromptNewPassword(out io.Writer) (string, error) {
	password, err := PromptPassword(out, "Enter new password: ")
	if err != nil {
		return "", err
	}
	confirm, err := PromptPassword(out, "Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	if err := ValidatePasswordStrength(password); err != nil {
		return "", err
	}
	return password, nil
}
