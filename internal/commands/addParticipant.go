package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"netrax/internal/api"
	"netrax/internal/config"
)

func AddParticipant(username, displayName string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddParticipantRequest{Username: username, DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/participants", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add participant (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddParticipantResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nParticipant Created Successfully!\n")
	fmt.Printf("Username:      %s\n", result.Username)
	fmt.Printf("Display name:  %s\n\n", result.DisplayName)
	fmt.Printf("The participant signs in through the proxy that sets the identity header.\n")
	return nil
}
