package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cosignr/coordinator/internal/auth"
	"github.com/cosignr/coordinator/internal/config"
	"github.com/cosignr/coordinator/internal/db"
	"github.com/cosignr/coordinator/internal/hub"
	"github.com/cosignr/coordinator/internal/metrics"
	"github.com/cosignr/coordinator/internal/models"
	"github.com/cosignr/coordinator/internal/sign"
)

// Approval request intents.
const (
	RequestTypeFill       = "FILL"
	RequestTypeSoftCancel = "SOFT_CANCEL"
)

// Origin checks are skipped: anyone may subscribe to the notification
// endpoint. Operators wanting credentialing configure a subscriber secret.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB     *db.DB
	Hub    *hub.Hub
	Auth   *auth.Service
	Cfg    *config.Config
	Signer *sign.Signer // nil when no operator key is configured
	Log    *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, h *hub.Hub, authSvc *auth.Service, cfg *config.Config, signer *sign.Signer, log *zap.Logger) *Handler {
	return &Handler{DB: database, Hub: h, Auth: authSvc, Cfg: cfg, Signer: signer, Log: log}
}

type orderPayload struct {
	MakerAddress          string `json:"makerAddress"`
	TakerAddress          string `json:"takerAddress"`
	FeeRecipientAddress   string `json:"feeRecipientAddress"`
	SenderAddress         string `json:"senderAddress"`
	MakerAssetAmount      string `json:"makerAssetAmount"`
	TakerAssetAmount      string `json:"takerAssetAmount"`
	MakerFee              string `json:"makerFee"`
	TakerFee              string `json:"takerFee"`
	ExpirationTimeSeconds int64  `json:"expirationTimeSeconds"`
	Salt                  string `json:"salt"`
	MakerAssetData        string `json:"makerAssetData"`
	TakerAssetData        string `json:"takerAssetData"`
}

type requestTransactionBody struct {
	Type                  string         `json:"type"`
	Signature             string         `json:"signature"`
	TakerAddress          string         `json:"takerAddress"`
	ExpirationTimeSeconds int64          `json:"expirationTimeSeconds"`
	Orders                []orderPayload `json:"orders"`
	TakerAssetFillAmounts []string       `json:"takerAssetFillAmounts"`
}

type outstandingSignaturePayload struct {
	OrderHash             string `json:"orderHash"`
	Signature             string `json:"signature"`
	ExpirationTimeSeconds int64  `json:"expirationTimeSeconds"`
	TakerAssetFillAmount  string `json:"takerAssetFillAmount"`
}

type requestTransactionResponse struct {
	OrderHashes           []string                      `json:"orderHashes"`
	ExpirationTimeSeconds int64                         `json:"expirationTimeSeconds"`
	ApprovalSignatures    []string                      `json:"approvalSignatures,omitempty"`
	OutstandingSignatures []outstandingSignaturePayload `json:"outstandingSignatures,omitempty"`
}

// RequestTransaction handles approval requests for signed taker transactions:
// fills are recorded in the ledger and co-signed; soft cancels collect the
// outstanding signatures and notify the network's subscribers.
func (h *Handler) RequestTransaction(w http.ResponseWriter, r *http.Request) {
	networkID, verr := h.networkIDFromRequest(r)
	if verr != nil {
		writeValidationErrors(w, *verr)
		return
	}

	var req requestTransactionBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMalformedJSON(w)
		return
	}

	orders, fillAmounts, items := validateRequestTransaction(&req)
	if len(items) > 0 {
		writeValidationErrors(w, items...)
		return
	}

	orderHashes := make([]string, len(orders))
	for i := range orders {
		orders[i].Hash = sign.OrderHash(orders[i])
		orderHashes[i] = orders[i].Hash
	}

	digest := sign.TransactionHash(req.TakerAddress, req.ExpirationTimeSeconds, orderHashes, fillAmounts)
	if !sign.VerifySignature(req.Signature, req.TakerAddress, digest) {
		writeValidationErrors(w, ValidationErrorItem{
			Field:  "signature",
			Code:   ValidationCodeInvalidSignature,
			Reason: "Signature does not match takerAddress over the submitted orders and fill amounts",
		})
		return
	}

	switch req.Type {
	case RequestTypeFill:
		h.handleFill(w, r, &req, orders, fillAmounts, orderHashes)
	case RequestTypeSoftCancel:
		h.handleSoftCancel(w, r, &req, orders, orderHashes, networkID)
	}
}

func (h *Handler) handleFill(w http.ResponseWriter, r *http.Request, req *requestTransactionBody, orders []models.Order, fillAmounts []*big.Int, orderHashes []string) {
	ctx := r.Context()

	requested, err := h.DB.OrderHashToFillAmountRequested(ctx, orders, req.TakerAddress)
	if err != nil {
		h.logLedgerError("failed to aggregate requested fill amounts", err)
		writeInternalError(w)
		return
	}

	// The taker's cumulative requests against an order, including this one,
	// must not exceed what the order offers.
	for i, order := range orders {
		total := new(big.Int).Set(fillAmounts[i])
		if prior, ok := requested[order.Hash]; ok {
			total.Add(total, prior)
		}
		if total.Cmp(order.TakerAssetAmount) > 0 {
			writeValidationErrors(w, ValidationErrorItem{
				Field:  "takerAssetFillAmounts",
				Code:   ValidationCodeValueOutOfRange,
				Reason: "Cumulative requested fill amount exceeds the order takerAssetAmount",
			})
			return
		}
	}

	tx, err := h.DB.CreateTransaction(ctx, req.Signature, req.ExpirationTimeSeconds, req.TakerAddress, orders, fillAmounts)
	if err != nil {
		h.logLedgerError("failed to persist transaction", err)
		writeInternalError(w)
		return
	}
	metrics.TransactionsCreated.Inc()
	h.Log.Info("approval recorded",
		zap.Int64("transaction_id", tx.ID),
		zap.String("taker_address", tx.TakerAddress),
		zap.Int("order_count", len(tx.Orders)))

	resp := requestTransactionResponse{
		OrderHashes:           orderHashes,
		ExpirationTimeSeconds: req.ExpirationTimeSeconds,
	}
	if h.Signer != nil {
		for _, hash := range orderHashes {
			approval, err := h.Signer.SignApproval(hash, req.ExpirationTimeSeconds)
			if err != nil {
				h.Log.Error("failed to sign approval", zap.Error(err))
				writeInternalError(w)
				return
			}
			resp.ApprovalSignatures = append(resp.ApprovalSignatures, approval)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSoftCancel(w http.ResponseWriter, r *http.Request, req *requestTransactionBody, orders []models.Order, orderHashes []string, networkID int) {
	outstanding, err := h.DB.OutstandingSignaturesByOrders(r.Context(), orders)
	if err != nil {
		h.logLedgerError("failed to collect outstanding signatures", err)
		writeInternalError(w)
		return
	}

	h.Hub.Broadcast(models.BroadcastMessage{
		Type: models.MessageTypeCancelRequestAccepted,
		Data: models.BroadcastData{
			OrderHashes:  orderHashes,
			TakerAddress: req.TakerAddress,
		},
	}, networkID)
	h.Log.Info("soft cancellation broadcast",
		zap.Int("network_id", networkID),
		zap.Strings("order_hashes", orderHashes))

	resp := requestTransactionResponse{
		OrderHashes:           orderHashes,
		ExpirationTimeSeconds: req.ExpirationTimeSeconds,
	}
	for _, sig := range outstanding {
		resp.OutstandingSignatures = append(resp.OutstandingSignatures, outstandingSignaturePayload{
			OrderHash:             sig.OrderHash,
			Signature:             sig.Signature,
			ExpirationTimeSeconds: sig.ExpirationTimeSeconds,
			TakerAssetFillAmount:  sig.TakerAssetFillAmount.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubscribeRequests upgrades the connection and registers it with the hub
// for the requested network. This is a broadcast-only endpoint: inbound
// messages are ignored and the read loop exists to detect closure.
func (h *Handler) SubscribeRequests(w http.ResponseWriter, r *http.Request) {
	networkID, verr := h.networkIDFromRequest(r)
	if verr != nil {
		writeValidationErrors(w, *verr)
		return
	}

	if h.Auth.Enabled() {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeValidationErrors(w, ValidationErrorItem{
				Field:  "token",
				Code:   ValidationCodeRequiredField,
				Reason: "This coordinator requires a subscriber token",
			})
			return
		}
		if _, err := h.Auth.ValidateToken(token); err != nil {
			writeInvalidCredentials(w)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	sub := hub.NewSubscriber(conn)
	h.Hub.Subscribe(networkID, sub)
	h.Log.Info("subscriber connected",
		zap.String("subscriber_id", sub.ID.String()),
		zap.Int("network_id", networkID))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.Hub.Unsubscribe(networkID, sub)
	conn.Close()
	h.Log.Info("subscriber disconnected",
		zap.String("subscriber_id", sub.ID.String()),
		zap.Int("network_id", networkID))
}

func (h *Handler) networkIDFromRequest(r *http.Request) (int, *ValidationErrorItem) {
	raw := r.URL.Query().Get("networkId")
	if raw == "" {
		return h.Cfg.DefaultNetworkID(), nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationErrorItem{
			Field:  "networkId",
			Code:   ValidationCodeIncorrectFormat,
			Reason: "networkId must be an integer",
		}
	}
	if !h.Cfg.SupportsNetwork(id) {
		return 0, &ValidationErrorItem{
			Field:  "networkId",
			Code:   ValidationCodeUnsupportedOption,
			Reason: "Requested networkId not supported by this coordinator",
		}
	}
	return id, nil
}

func (h *Handler) logLedgerError(msg string, err error) {
	var iv *db.InvariantViolationError
	if errors.As(err, &iv) {
		h.Log.Error("ledger invariant violated", zap.Error(err))
		return
	}
	h.Log.Error(msg, zap.Error(err))
}

func validateRequestTransaction(req *requestTransactionBody) ([]models.Order, []*big.Int, []ValidationErrorItem) {
	var items []ValidationErrorItem

	switch req.Type {
	case RequestTypeFill, RequestTypeSoftCancel:
	case "":
		items = append(items, ValidationErrorItem{Field: "type", Code: ValidationCodeRequiredField, Reason: "type is required"})
	default:
		items = append(items, ValidationErrorItem{Field: "type", Code: ValidationCodeUnsupportedOption, Reason: "type must be FILL or SOFT_CANCEL"})
	}

	if req.Signature == "" {
		items = append(items, ValidationErrorItem{Field: "signature", Code: ValidationCodeRequiredField, Reason: "signature is required"})
	}
	if req.TakerAddress == "" {
		items = append(items, ValidationErrorItem{Field: "takerAddress", Code: ValidationCodeRequiredField, Reason: "takerAddress is required"})
	} else if !common.IsHexAddress(req.TakerAddress) {
		items = append(items, ValidationErrorItem{Field: "takerAddress", Code: ValidationCodeInvalidAddress, Reason: "takerAddress is not a valid address"})
	}
	if req.ExpirationTimeSeconds <= time.Now().Unix() {
		items = append(items, ValidationErrorItem{Field: "expirationTimeSeconds", Code: ValidationCodeValueOutOfRange, Reason: "expirationTimeSeconds must be in the future"})
	}
	if len(req.Orders) == 0 {
		items = append(items, ValidationErrorItem{Field: "orders", Code: ValidationCodeRequiredField, Reason: "at least one order is required"})
	}
	if len(req.TakerAssetFillAmounts) != len(req.Orders) {
		items = append(items, ValidationErrorItem{Field: "takerAssetFillAmounts", Code: ValidationCodeValueOutOfRange, Reason: "takerAssetFillAmounts must pair one amount with each order"})
	}
	if len(items) > 0 {
		return nil, nil, items
	}

	orders := make([]models.Order, len(req.Orders))
	for i, payload := range req.Orders {
		order, orderItems := payload.toModel()
		if len(orderItems) > 0 {
			return nil, nil, orderItems
		}
		orders[i] = order
	}

	fillAmounts := make([]*big.Int, len(req.TakerAssetFillAmounts))
	for i, raw := range req.TakerAssetFillAmounts {
		amount, ok := parseAmount(raw)
		if !ok {
			return nil, nil, []ValidationErrorItem{{
				Field:  "takerAssetFillAmounts",
				Code:   ValidationCodeIncorrectFormat,
				Reason: "fill amounts must be non-negative integers",
			}}
		}
		fillAmounts[i] = amount
	}
	return orders, fillAmounts, nil
}

func (p orderPayload) toModel() (models.Order, []ValidationErrorItem) {
	var items []ValidationErrorItem

	addresses := map[string]string{
		"orders.makerAddress":        p.MakerAddress,
		"orders.takerAddress":        p.TakerAddress,
		"orders.feeRecipientAddress": p.FeeRecipientAddress,
		"orders.senderAddress":       p.SenderAddress,
	}
	for field, value := range addresses {
		if !common.IsHexAddress(value) {
			items = append(items, ValidationErrorItem{Field: field, Code: ValidationCodeInvalidAddress, Reason: "not a valid address"})
		}
	}

	amounts := map[string]string{
		"orders.makerAssetAmount": p.MakerAssetAmount,
		"orders.takerAssetAmount": p.TakerAssetAmount,
		"orders.makerFee":         p.MakerFee,
		"orders.takerFee":         p.TakerFee,
		"orders.salt":             p.Salt,
	}
	parsed := make(map[string]*big.Int, len(amounts))
	for field, value := range amounts {
		amount, ok := parseAmount(value)
		if !ok {
			items = append(items, ValidationErrorItem{Field: field, Code: ValidationCodeIncorrectFormat, Reason: "must be a non-negative integer"})
			continue
		}
		parsed[field] = amount
	}
	if len(items) > 0 {
		return models.Order{}, items
	}

	return models.Order{
		MakerAddress:          p.MakerAddress,
		TakerAddress:          p.TakerAddress,
		FeeRecipientAddress:   p.FeeRecipientAddress,
		SenderAddress:         p.SenderAddress,
		MakerAssetAmount:      parsed["orders.makerAssetAmount"],
		TakerAssetAmount:      parsed["orders.takerAssetAmount"],
		MakerFee:              parsed["orders.makerFee"],
		TakerFee:              parsed["orders.takerFee"],
		ExpirationTimeSeconds: p.ExpirationTimeSeconds,
		Salt:                  parsed["orders.salt"],
		MakerAssetData:        p.MakerAssetData,
		TakerAssetData:        p.TakerAssetData,
	}, nil
}

func parseAmount(raw string) (*big.Int, bool) {
	if raw == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}
