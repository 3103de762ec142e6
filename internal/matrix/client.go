package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/arko-backup/internal/backup"
)

// Client is the key backup and account data view of one logged in
// device's mautrix client. Every error it returns has been passed through
// backup.FromMatrixError.
type Client struct {
	mx       *mautrix.Client
	deviceID id.DeviceID
	logger   *slog.Logger
}

var (
	_ backup.VersionAPI  = (*Client)(nil)
	_ backup.KeyUploader = (*Client)(nil)
)

func NewClient(
	hsURL string,
	userID id.UserID,
	deviceID id.DeviceID,
	accessToken string,
	httpClient *http.Client,
	logger *slog.Logger,
) (*Client, error) {
	mx, err := mautrix.NewClient(hsURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	mx.DeviceID = deviceID
	if httpClient != nil {
		mx.Client = httpClient
	}
	return &Client{mx: mx, deviceID: deviceID, logger: logger}, nil
}

func (c *Client) UserID() id.UserID     { return c.mx.UserID }
func (c *Client) DeviceID() id.DeviceID { return c.deviceID }
func (c *Client) Homeserver() string    { return c.mx.HomeserverURL.String() }

// Mautrix exposes the underlying client for secret storage and logout.
func (c *Client) Mautrix() *mautrix.Client { return c.mx }

// GetLatestVersion returns nil when the server has no backup.
func (c *Client) GetLatestVersion(ctx context.Context) (*backup.Version, error) {
	resp, err := c.mx.GetKeyBackupLatestVersion(ctx)
	err = c.wrap(ctx, "get latest key backup version", err)
	if backup.IsServerError(err, backup.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("key backup version: %w", err)
	}
	return &backup.Version{
		ID:        resp.Version,
		Algorithm: resp.Algorithm,
		AuthData:  resp.AuthData,
		Count:     resp.Count,
		ETag:      resp.ETag,
	}, nil
}

func (c *Client) CreateVersion(
	ctx context.Context,
	algorithm id.KeyBackupAlgorithm,
	auth backup.AuthData,
) (id.KeyBackupVersion, error) {
	resp, err := c.mx.CreateKeyBackupVersion(ctx, &mautrix.ReqRoomKeysVersionCreate[backup.AuthData]{
		Algorithm: algorithm,
		AuthData:  auth,
	})
	if err := c.wrap(ctx, "create key backup version", err); err != nil {
		return "", fmt.Errorf("create key backup version: %w", err)
	}
	if resp == nil || resp.Version == "" {
		return "", fmt.Errorf("create key backup version: %w: empty version in response", backup.ErrServerRejected)
	}
	return resp.Version, nil
}

func (c *Client) DeleteVersion(ctx context.Context, version id.KeyBackupVersion) error {
	err := c.mx.DeleteKeyBackupVersion(ctx, version)
	if err := c.wrap(ctx, "delete key backup version", err); err != nil {
		return fmt.Errorf("delete key backup version %s: %w", version, err)
	}
	return nil
}

func (c *Client) UploadKeys(ctx context.Context, version id.KeyBackupVersion, keys backup.RoomKeys) error {
	req := &mautrix.ReqKeyBackup{Rooms: make(map[id.RoomID]mautrix.ReqRoomKeyBackup, len(keys))}
	for roomID, sessions := range keys {
		rs := mautrix.ReqRoomKeyBackup{Sessions: make(map[id.SessionID]mautrix.ReqKeyBackupData, len(sessions))}
		for sessionID, data := range sessions {
			rs.Sessions[sessionID] = mautrix.ReqKeyBackupData(data)
		}
		req.Rooms[roomID] = rs
	}

	_, err := c.mx.PutKeysInBackup(ctx, version, req)
	return c.wrap(ctx, "upload room keys", err)
}

// GetAccountData decodes the user's global account data of the given type
// into out. A missing entry is a *backup.ServerError with M_NOT_FOUND.
func (c *Client) GetAccountData(ctx context.Context, eventType string, out any) error {
	return c.wrap(ctx, "get account data", c.mx.GetAccountData(ctx, eventType, out))
}

func (c *Client) SetAccountData(ctx context.Context, eventType string, content any) error {
	return c.wrap(ctx, "set account data", c.mx.SetAccountData(ctx, eventType, content))
}

func (c *Client) Versions(ctx context.Context) (*mautrix.RespVersions, error) {
	resp, err := c.mx.Versions(ctx)
	if err := c.wrap(ctx, "get spec versions", err); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	err = backup.FromMatrixError(ctx, err)
	var serverErr *backup.ServerError
	if errors.As(err, &serverErr) {
		c.logger.Debug("homeserver returned error",
			"op", op,
			"status", serverErr.StatusCode,
			"errcode", serverErr.Code,
		)
	}
	return err
}

// IsNetworkError reports whether err means the homeserver could not be
// reached.
func IsNetworkError(err error) bool {
	return errors.Is(err, backup.ErrNetwork)
}
