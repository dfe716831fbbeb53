package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/groupvault/groupvault/pkg/bytesize"
)

// apiClient is a thin wrapper for the gateway's JSON API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	base := strings.TrimRight(serverURL, "/")
	if base == "" {
		base = os.Getenv("GROUPVAULT_SERVER")
	}
	if base == "" {
		return nil, fmt.Errorf("--server or GROUPVAULT_SERVER is required")
	}
	token := apiToken
	if token == "" {
		token = os.Getenv("GROUPVAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("--token or GROUPVAULT_TOKEN is required")
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Work with group files through a running gateway",
	}
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "gateway base URL (or GROUPVAULT_SERVER)")
	cmd.PersistentFlags().StringVarP(&apiToken, "token", "t", "", "API token (or GROUPVAULT_TOKEN)")

	cmd.AddCommand(newFilesListCmd(), newFilesUploadURLCmd(), newFilesReadURLCmd())
	return cmd
}

func newFilesListCmd() *cobra.Command {
	var (
		groupID string
		limit   int
		cursor  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a group's files",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			q := url.Values{}
			if limit > 0 {
				q.Set("limit", fmt.Sprintf("%d", limit))
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			path := fmt.Sprintf("/api/v1/groups/%s/files/list", url.PathEscape(groupID))
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var page struct {
				Items []struct {
					Key          string    `json:"key"`
					Name         string    `json:"name"`
					Size         int64     `json:"size"`
					LastModified time.Time `json:"lastModified"`
				} `json:"items"`
				NextCursor string `json:"nextCursor"`
			}
			if err := client.do(http.MethodGet, path, nil, &page); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\tKEY")
			for _, item := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Name, bytesize.Format(item.Size), item.LastModified.Format(time.RFC3339), item.Key)
			}
			tw.Flush()

			if page.NextCursor != "" {
				fmt.Printf("\nmore results: --cursor %q\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "group ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continuation cursor from a previous page")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func newFilesUploadURLCmd() *cobra.Command {
	var (
		groupID  string
		filename string
		mimeType string
	)

	cmd := &cobra.Command{
		Use:   "upload-url",
		Short: "Request a time-limited upload URL for a new file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var grant struct {
				Key              string            `json:"key"`
				ResolvedFilename string            `json:"resolvedFilename"`
				UploadURL        string            `json:"uploadUrl"`
				Headers          map[string]string `json:"headers"`
				ExpiresAt        time.Time         `json:"expiresAt"`
			}
			path := fmt.Sprintf("/api/v1/groups/%s/files/upload-url", url.PathEscape(groupID))
			body := map[string]string{"filename": filename, "mimeType": mimeType}
			if err := client.do(http.MethodPost, path, body, &grant); err != nil {
				return err
			}

			fmt.Printf("key:       %s\n", grant.Key)
			fmt.Printf("filename:  %s\n", grant.ResolvedFilename)
			fmt.Printf("expires:   %s\n", grant.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("url:       %s\n", grant.UploadURL)
			for k, v := range grant.Headers {
				fmt.Printf("header:    %s: %s\n", k, v)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "group ID")
	cmd.Flags().StringVarP(&filename, "filename", "f", "", "file name to upload")
	cmd.Flags().StringVarP(&mimeType, "mime-type", "m", "", "content type")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("filename")
	return cmd
}

func newFilesReadURLCmd() *cobra.Command {
	var (
		groupID string
		key     string
		showQR  bool
	)

	cmd := &cobra.Command{
		Use:   "read-url",
		Short: "Request a time-limited download URL for a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var grant struct {
				URL       string    `json:"url"`
				ExpiresAt time.Time `json:"expiresAt"`
			}
			path := fmt.Sprintf("/api/v1/groups/%s/files/read-url?key=%s",
				url.PathEscape(groupID), url.QueryEscape(key))
			if err := client.do(http.MethodGet, path, nil, &grant); err != nil {
				return err
			}

			fmt.Printf("expires: %s\n", grant.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("url:     %s\n", grant.URL)

			if showQR {
				qr, err := qrcode.New(grant.URL, qrcode.Medium)
				if err != nil {
					return fmt.Errorf("render QR code: %w", err)
				}
				fmt.Println(qr.ToSmallString(false))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "group ID")
	cmd.Flags().StringVarP(&key, "key", "k", "", "file key (relative to the group folder or full)")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print the URL as a QR code")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
