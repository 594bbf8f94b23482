package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pergola/internal/api"
	"pergola/internal/config"
)

var client = &http.Client{Timeout: 10 * time.Second}

// callAdmin sends a JSON request to the admin API and decodes the reply into out.
func callAdmin(cfg *config.Config, method, path string, in, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	req, err := http.NewRequest(method, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func AddUser(w io.Writer, username string, cfg *config.Config) error {
	var result api.AddUserResponse
	if err := callAdmin(cfg, http.MethodPost, "/admin/users", api.AddUserRequest{Username: username}, &result); err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}

	fmt.Fprintf(w, "\nUser Created Successfully!\n")
	fmt.Fprintf(w, "Username:  %s\n", result.Username)
	fmt.Fprintf(w, "User ID:   %s\n", result.UserID)
	fmt.Fprintf(w, "Token:     %s\n", result.Token)
	fmt.Fprintf(w, "Expires:   %s\n\n", time.Unix(result.TokenExpiry, 0).UTC().Format(time.RFC3339))
	return nil
}

// Follow creates a follow edge from a "follower:followee" pair.
func Follow(w io.Writer, pair string, cfg *config.Config) error {
	follower, followee, ok := strings.Cut(pair, ":")
	if !ok || follower == "" || followee == "" {
		return fmt.Errorf("expected follower:followee, got %q", pair)
	}

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	req := api.FollowRequest{Follower: follower, Followee: followee}
	if err := callAdmin(cfg, http.MethodPost, "/admin/follows", req, &result); err != nil {
		return fmt.Errorf("failed to follow: %w", err)
	}

	fmt.Fprintf(w, "Following: %s\n", result.Message)
	return nil
}
