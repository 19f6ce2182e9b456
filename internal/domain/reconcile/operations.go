package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"finsync/internal/domain/connection"
	"finsync/internal/domain/refresh"
	"finsync/internal/infrastructure/aggregator"
)

const unknownInstitution = "Unknown Institution"

// RegisterParams identify a credential produced by the link flow.
type RegisterParams struct {
	UserID          string
	PublicToken     string
	InstitutionID   string
	InstitutionName string
	// ReconnectOf is a prior connection of the same user that this link
	// replaces. Its accounts are carried over by name and it is disabled
	// once the initial sync succeeds.
	ReconnectOf string
}

func (p RegisterParams) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", connection.ErrInvalidInput)
	}
	if p.PublicToken == "" {
		return fmt.Errorf("%w: public token is required", connection.ErrInvalidInput)
	}
	return nil
}

// CreateLinkToken starts the link flow for a new connection.
func (e *Engine) CreateLinkToken(ctx context.Context, userID string) (*aggregator.LinkToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", connection.ErrInvalidInput)
	}
	var token *aggregator.LinkToken
	err := e.call(ctx, "create_link_token", func(ctx context.Context) error {
		var err error
		token, err = e.client.CreateLinkToken(ctx, aggregator.LinkTokenRequest{UserID: userID})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create link token: %w", err)
	}
	return token, nil
}

// RegisterConnection exchanges the public token for a credential, stores
// the connection and runs the initial sync over InitialWindow. The
// connection is returned even when the initial sync fails.
func (e *Engine) RegisterConnection(ctx context.Context, p RegisterParams) (*connection.Connection, *SyncReport, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	log := e.log.WithField("user_id", p.UserID)

	var prior *connection.Connection
	if p.ReconnectOf != "" {
		var err error
		prior, err = e.conns.Get(ctx, p.ReconnectOf)
		if errors.Is(err, connection.ErrNotFound) {
			return nil, nil, ErrConnectionNotFound
		}
		if err != nil {
			return nil, nil, err
		}
		if prior.UserID != p.UserID {
			return nil, nil, fmt.Errorf("%w: connection %s belongs to another user", connection.ErrInvalidInput, prior.ID)
		}
	}

	var accessToken, itemID string
	err := e.call(ctx, "exchange_public_token", func(ctx context.Context) error {
		var err error
		accessToken, itemID, err = e.client.ExchangePublicToken(ctx, p.PublicToken)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange public token: %w", err)
	}

	name, logo := e.institution(ctx, p.InstitutionID, p.InstitutionName)
	conn, err := e.conns.Register(ctx, connection.CreateParams{
		UserID:          p.UserID,
		ItemID:          itemID,
		AccessToken:     accessToken,
		InstitutionID:   p.InstitutionID,
		InstitutionName: name,
		InstitutionLogo: logo,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register connection: %w", err)
	}
	log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"item_id":       conn.ItemID,
		"institution":   conn.InstitutionName,
	}).Info("Connection registered")

	opts := AccountSyncOptions{}
	if prior != nil {
		opts = AccountSyncOptions{IsReconnect: true, PriorConnectionID: prior.ID}
	}
	report, err := exclusive(ctx, e, conn.ID, "initial", func(ctx context.Context) (*SyncReport, error) {
		end := e.conns.Now()
		return e.runSync(ctx, conn, opts, end.Add(-e.cfg.InitialWindow), end)
	})
	if err != nil || prior == nil || prior.ID == conn.ID {
		return conn, report, err
	}

	if err := e.Unlink(ctx, prior.ID); err != nil {
		return conn, report, fmt.Errorf("failed to disable replaced connection: %w", err)
	}
	log.WithFields(logrus.Fields{
		"connection_id":       conn.ID,
		"prior_connection_id": prior.ID,
	}).Info("Replaced connection disabled")
	return conn, report, nil
}

// institution resolves the display name and logo, falling back to the
// name supplied by the link flow.
func (e *Engine) institution(ctx context.Context, institutionID, fallback string) (string, string) {
	name := strings.TrimSpace(fallback)
	if name == "" {
		name = unknownInstitution
	}
	if institutionID == "" {
		return name, ""
	}

	var inst *aggregator.Institution
	err := e.call(ctx, "get_institution", func(ctx context.Context) error {
		var err error
		inst, err = e.client.GetInstitution(ctx, institutionID)
		return err
	})
	if err != nil {
		e.log.WithField("institution_id", institutionID).WithError(err).Warn("Institution lookup failed")
		return name, ""
	}
	if inst.Name != "" {
		name = inst.Name
	}
	return name, aggregator.Str(inst.Logo)
}

// runSync is one unit of work: accounts, then holdings when the connection
// has investment accounts, then transactions in [start, end]. A holdings
// failure other than a credential error is recorded on the report and the
// transactions step still runs.
func (e *Engine) runSync(ctx context.Context, conn *connection.Connection, opts AccountSyncOptions, start, end time.Time) (*SyncReport, error) {
	report := &SyncReport{ConnectionID: conn.ID, Start: start, End: end}

	accounts, err := e.syncAccounts(ctx, conn, opts)
	report.Accounts = accounts
	if err != nil {
		return report, err
	}

	if len(accounts.InvestmentAccounts) > 0 {
		synced, holdings, err := e.syncHoldings(ctx, conn, accounts.InvestmentAccounts)
		report.HoldingsSynced = synced
		report.Holdings = holdings
		if err != nil {
			if errors.Is(err, ErrCredentialInvalid) || errors.Is(err, context.Canceled) {
				return report, err
			}
			e.log.WithField("connection_id", conn.ID).WithError(err).Warn("Holdings sync failed, continuing with transactions")
			report.HoldingsErr = err
		}
	}

	mapping, err := e.accountMapping(ctx, conn.ID)
	if err != nil {
		return report, err
	}
	txs, err := e.syncTransactions(ctx, conn, mapping, start, end)
	report.Transactions = txs
	if err != nil {
		return report, err
	}
	return report, nil
}

// SyncConnection runs a full unit of work over [start, end] without the
// refresh throttle. A complete run counts as a soft refresh.
func (e *Engine) SyncConnection(ctx context.Context, connectionID string, start, end time.Time) (*SyncReport, error) {
	if start.After(end) {
		return nil, ErrInvalidWindow
	}
	return exclusive(ctx, e, connectionID, "sync", func(ctx context.Context) (*SyncReport, error) {
		conn, err := e.loadConnection(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		report, err := e.runSync(ctx, conn, AccountSyncOptions{}, start, end)
		if err != nil {
			return report, err
		}
		if report.Complete() {
			if err := e.conns.RecordSoftRefresh(ctx, conn); err != nil {
				return report, err
			}
		}
		return report, nil
	})
}

// LookbackWindow returns the default window of a soft refresh ending now.
func (e *Engine) LookbackWindow() (time.Time, time.Time) {
	end := e.conns.Now()
	return end.Add(-e.cfg.LookbackWindow), end
}

// RequestRefresh applies the refresh policy. A rejected request returns
// the Decision without contacting the aggregator. An allowed soft refresh
// syncs the lookback window; an allowed hard refresh returns an update-mode
// link token to be finished with CompleteHardRefresh.
func (e *Engine) RequestRefresh(ctx context.Context, connectionID string, kind refresh.Kind) (*RefreshResult, error) {
	if kind != refresh.Soft && kind != refresh.Hard {
		return nil, fmt.Errorf("%w: %q", refresh.ErrInvalidKind, kind)
	}
	return exclusive(ctx, e, connectionID, "refresh_"+string(kind), func(ctx context.Context) (*RefreshResult, error) {
		conn, err := e.loadConnection(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		log := e.log.WithFields(logrus.Fields{
			"connection_id": conn.ID,
			"kind":          kind,
		})

		decision := e.checkRefresh(ctx, conn, kind)

		result := &RefreshResult{Decision: decision}
		if rej := decision.Rejection(); rej != nil {
			log.WithField("remaining_days", rej.RemainingDays).Info("Refresh rejected by cooldown")
			return result, nil
		}

		if kind == refresh.Hard {
			var token *aggregator.LinkToken
			err := e.call(ctx, "create_link_token", func(ctx context.Context) error {
				var err error
				token, err = e.client.CreateLinkToken(ctx, aggregator.LinkTokenRequest{
					UserID:      conn.UserID,
					AccessToken: conn.AccessToken,
				})
				return err
			})
			if err != nil {
				return result, e.observe(ctx, conn, "create_link_token", err)
			}
			result.LinkToken = token.LinkToken
			result.LinkTokenExpiration = token.Expiration
			log.Info("Issued update-mode link token")
			return result, nil
		}

		start, end := e.LookbackWindow()
		report, err := e.runSync(ctx, conn, AccountSyncOptions{}, start, end)
		result.Report = report
		if err != nil {
			return result, err
		}
		if report.Complete() {
			if err := e.conns.RecordSoftRefresh(ctx, conn); err != nil {
				return result, err
			}
			log.Info("Soft refresh completed")
		} else {
			log.Warn("Soft refresh incomplete, cooldown not reset")
		}
		return result, nil
	})
}

// checkRefresh applies the policy and records the decision. A hard
// refresh is always allowed for a connection whose credential was revoked.
func (e *Engine) checkRefresh(ctx context.Context, conn *connection.Connection, kind refresh.Kind) refresh.Decision {
	decision := e.conns.CheckRefresh(conn, kind)
	if kind == refresh.Hard && !decision.Allowed && conn.Status == connection.StatusLoginRequired {
		decision = refresh.Decision{Kind: refresh.Hard, Allowed: true}
	}
	refreshDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("allowed", decision.Allowed)))
	return decision
}

// CompleteHardRefresh finishes a reconnect. The hard refresh policy is
// checked again; a rejected request returns the Decision and changes
// nothing. A non-empty publicToken is exchanged and replaces the stored
// credential and item id; an empty one keeps them, which is what update
// mode produces for most institutions. Accounts are re-matched with the
// name fallback, history is re-read over InitialWindow, and the
// connection returns to active.
func (e *Engine) CompleteHardRefresh(ctx context.Context, connectionID, publicToken string) (*RefreshResult, error) {
	return exclusive(ctx, e, connectionID, "hard_refresh", func(ctx context.Context) (*RefreshResult, error) {
		conn, err := e.loadConnection(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		log := e.log.WithField("connection_id", conn.ID)

		result := &RefreshResult{Decision: e.checkRefresh(ctx, conn, refresh.Hard)}
		if rej := result.Decision.Rejection(); rej != nil {
			log.WithField("remaining_days", rej.RemainingDays).Info("Hard refresh rejected by cooldown")
			return result, nil
		}

		if publicToken != "" {
			var accessToken, itemID string
			err := e.call(ctx, "exchange_public_token", func(ctx context.Context) error {
				var err error
				accessToken, itemID, err = e.client.ExchangePublicToken(ctx, publicToken)
				return err
			})
			if err != nil {
				return result, fmt.Errorf("failed to exchange public token: %w", err)
			}
			if itemID != conn.ItemID {
				log.WithFields(logrus.Fields{
					"item_id":     conn.ItemID,
					"new_item_id": itemID,
				}).Warn("Reconnect returned a different item")
			}
			if err := e.conns.ReplaceCredential(ctx, conn, accessToken, itemID); err != nil {
				return result, err
			}
		}

		end := e.conns.Now()
		report, err := e.runSync(ctx, conn, AccountSyncOptions{IsReconnect: true}, end.Add(-e.cfg.InitialWindow), end)
		result.Report = report
		if err != nil {
			return result, err
		}
		if err := e.conns.RecordHardRefresh(ctx, conn); err != nil {
			return result, err
		}
		log.Info("Hard refresh completed")
		return result, nil
	})
}

// Unlink disables the connection. Its data is kept.
func (e *Engine) Unlink(ctx context.Context, connectionID string) error {
	_, err := exclusive(ctx, e, connectionID, "unlink", func(ctx context.Context) (struct{}, error) {
		conn, err := e.conns.Get(ctx, connectionID)
		if err != nil {
			if errors.Is(err, connection.ErrNotFound) {
				return struct{}{}, ErrConnectionNotFound
			}
			return struct{}{}, err
		}
		if conn.Disabled() {
			return struct{}{}, nil
		}
		return struct{}{}, e.conns.Disable(ctx, conn)
	})
	return err
}
