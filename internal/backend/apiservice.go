package backend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/jo-hoe/pixelmarket/internal/backend/database"
	"github.com/jo-hoe/pixelmarket/internal/core"
	"github.com/jo-hoe/pixelmarket/internal/metrics"
	"github.com/jo-hoe/pixelmarket/internal/upload"
	"github.com/labstack/echo/v4"
)

// maxUploadBytes bounds a single multipart file part.
const maxUploadBytes = 32 << 20

type APIService struct {
	coreService *core.CoreService
	config      *core.ServiceConfig
	metrics     *metrics.Metrics
}

func NewAPIService(config *core.ServiceConfig, coreService *core.CoreService, m *metrics.Metrics) *APIService {
	return &APIService{
		coreService: coreService,
		config:      config,
		metrics:     m,
	}
}

func (service *APIService) SetRoutes(e *echo.Echo) {
	e.GET("/probe", service.probeHandler)
	if service.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(service.metrics.Handler()))
	}

	api := e.Group("/api")

	api.POST("/profiles", service.createProfileHandler)
	api.GET("/profiles/:id", service.getProfileHandler)
	api.PUT("/profiles/:id", service.updateProfileHandler)

	api.POST("/images", service.publishImageHandler)
	api.GET("/images/:id", service.getImageHandler)
	api.PUT("/images/:id/price", service.updateImagePriceHandler)

	api.POST("/purchases", service.purchaseHandler)
	api.GET("/transactions/:id", service.getTransactionHandler)
	api.GET("/transactions/:id/token", service.issueTokenHandler)

	api.POST("/redeem", service.redeemHandler)
	api.GET("/tokens/:value", service.peekTokenHandler)

	api.POST("/upload", service.uploadHandler)
	api.GET("/assets/:id", service.assetHandler)
}

type profileRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=100"`
	Bio         string `json:"bio" validate:"max=2000"`
}

type priceRequest struct {
	Price string `json:"price" validate:"required"`
}

type purchaseRequest struct {
	BuyerID    string `json:"buyer_id" validate:"required"`
	ImageID    string `json:"image_id" validate:"required"`
	PaymentRef string `json:"payment_ref" validate:"required,max=200"`

	// Amount is optional; when empty the current price is settled.
	Amount string `json:"amount"`
}

type redeemRequest struct {
	Token string `json:"token" validate:"required"`
}

type profileResponse struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Bio          string    `json:"bio"`
	Balance      string    `json:"balance"`
	BalanceMinor int64     `json:"balance_minor"`
	Currency     string    `json:"currency"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type imageResponse struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	Price        string    `json:"price"`
	PriceMinor   int64     `json:"price_minor"`
	Currency     string    `json:"currency"`
	Downloads    int64     `json:"downloads"`
	ThumbnailURL string    `json:"thumbnail_url"`
	CreatedAt    time.Time `json:"created_at"`
}

type transactionResponse struct {
	ID          string    `json:"id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	ImageID     string    `json:"image_id"`
	Amount      string    `json:"amount"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	PaymentRef  string    `json:"payment_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

type tokenResponse struct {
	Value         string     `json:"value"`
	TransactionID string     `json:"transaction_id"`
	ImageID       string     `json:"image_id"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Used          bool       `json:"used"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	State         string     `json:"state,omitempty"`
}

type purchaseResponse struct {
	Transaction transactionResponse `json:"transaction"`
	Token       *tokenResponse      `json:"token"`
	Created     bool                `json:"created"`
}

type envelope struct {
	Data any `json:"data"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (service *APIService) probeHandler(ctx echo.Context) error {
	if err := service.coreService.Health(ctx.Request().Context()); err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: map[string]string{"status": "ok"}})
}

func (service *APIService) createProfileHandler(ctx echo.Context) error {
	var req profileRequest
	if err := service.bindAndValidate(ctx, &req); err != nil {
		return service.errorResponse(ctx, err)
	}
	profile, err := service.coreService.CreateProfile(ctx.Request().Context(), req.DisplayName, req.Bio)
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, envelope{Data: service.toProfileResponse(profile)})
}

func (service *APIService) getProfileHandler(ctx echo.Context) error {
	profile, err := service.coreService.GetProfile(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: service.toProfileResponse(profile)})
}

func (service *APIService) updateProfileHandler(ctx echo.Context) error {
	var req profileRequest
	if err := service.bindAndValidate(ctx, &req); err != nil {
		return service.errorResponse(ctx, err)
	}
	profile, err := service.coreService.UpdateProfile(ctx.Request().Context(), ctx.Param("id"), req.DisplayName, req.Bio)
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: service.toProfileResponse(profile)})
}

func (service *APIService) publishImageHandler(ctx echo.Context) error {
	price, err := service.coreService.Money().ParseAmount(ctx.FormValue("price"))
	if err != nil {
		return service.errorResponse(ctx, err)
	}

	asset, contentType, err := readFormFile(ctx, "file")
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	if asset == nil {
		return service.errorResponse(ctx, fmt.Errorf("%w: file is required", core.ErrInvalidInput))
	}
	thumbnail, thumbnailType, err := readFormFile(ctx, "thumbnail")
	if err != nil {
		return service.errorResponse(ctx, err)
	}

	image, err := service.coreService.PublishImage(ctx.Request().Context(), core.PublishRequest{
		OwnerID:              ctx.FormValue("owner_id"),
		Title:                ctx.FormValue("title"),
		Description:          ctx.FormValue("description"),
		Category:             ctx.FormValue("category"),
		Price:                price,
		Asset:                asset,
		ContentType:          contentType,
		Thumbnail:            thumbnail,
		ThumbnailContentType: thumbnailType,
	})
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, envelope{Data: service.toImageResponse(image)})
}

func (service *APIService) getImageHandler(ctx echo.Context) error {
	image, err := service.coreService.GetImage(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: service.toImageResponse(image)})
}

func (service *APIService) updateImagePriceHandler(ctx echo.Context) error {
	var req priceRequest
	if err := service.bindAndValidate(ctx, &req); err != nil {
		return service.errorResponse(ctx, err)
	}
	price, err := service.coreService.Money().ParseAmount(req.Price)
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	image, err := service.coreService.UpdateImagePrice(ctx.Request().Context(), ctx.Param("id"), price)
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: service.toImageResponse(image)})
}

func (service *APIService) purchaseHandler(ctx echo.Context) error {
	var req purchaseRequest
	if err := service.bindAndValidate(ctx, &req); err != nil {
		return service.errorResponse(ctx, err)
	}
	reqCtx := ctx.Request().Context()

	var amount int64
	if req.Amount == "" {
		image, err := service.coreService.GetImage(reqCtx, req.ImageID)
		if err != nil {
			return service.errorResponse(ctx, err)
		}
		amount = image.Price
	} else {
		parsed, err := service.coreService.Money().ParseAmount(req.Amount)
		if err != nil {
			return service.errorResponse(ctx, err)
		}
		amount = parsed
	}

	result, err := service.coreService.Purchase(reqCtx, req.BuyerID, req.ImageID, amount, req.PaymentRef)
	if err != nil {
		return service.errorResponse(ctx, err)
	}

	resp := purchaseResponse{
		Transaction: service.toTransactionResponse(result.Transaction),
		Created:     result.Created,
	}
	if result.Token != nil {
		token := toTokenResponse(result.Token, "")
		resp.Token = &token
	}
	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	return ctx.JSON(status, envelope{Data: resp})
}

func (service *APIService) getTransactionHandler(ctx echo.Context) error {
	tx, err := service.coreService.GetTransaction(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: service.toTransactionResponse(tx)})
}

func (service *APIService) issueTokenHandler(ctx echo.Context) error {
	token, err := service.coreService.IssueToken(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: toTokenResponse(token, "")})
}

func (service *APIService) redeemHandler(ctx echo.Context) error {
	var req redeemRequest
	if err := service.bindAndValidate(ctx, &req); err != nil {
		return service.errorResponse(ctx, err)
	}
	ref, err := service.coreService.Redeem(ctx.Request().Context(), req.Token)
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: ref})
}

func (service *APIService) peekTokenHandler(ctx echo.Context) error {
	status, err := service.coreService.Peek(ctx.Request().Context(), ctx.Param("value"))
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusOK, envelope{Data: toTokenResponse(status.Token, status.State)})
}

func (service *APIService) uploadHandler(ctx echo.Context) error {
	asset, contentType, err := readFormFile(ctx, "file")
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	if asset == nil {
		return service.errorResponse(ctx, fmt.Errorf("%w: file is required", core.ErrInvalidInput))
	}
	thumbnail, thumbnailType, err := readFormFile(ctx, "thumbnail")
	if err != nil {
		return service.errorResponse(ctx, err)
	}

	result, err := service.coreService.Upload(ctx.Request().Context(), asset, upload.Metadata{
		ContentType:          contentType,
		Thumbnail:            thumbnail,
		ThumbnailContentType: thumbnailType,
	})
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, envelope{Data: map[string]string{
		"asset_url":     result.AssetURL,
		"thumbnail_url": result.ThumbnailURL,
	}})
}

func (service *APIService) assetHandler(ctx echo.Context) error {
	assetURL, err := service.coreService.ResolveAsset(ctx.Request().Context(), ctx.Param("id"), ctx.QueryParam("ref"))
	if err != nil {
		return service.errorResponse(ctx, err)
	}
	return ctx.Redirect(http.StatusTemporaryRedirect, assetURL)
}

func (service *APIService) bindAndValidate(ctx echo.Context, req any) error {
	if err := ctx.Bind(req); err != nil {
		return fmt.Errorf("%w: malformed request body", core.ErrInvalidInput)
	}
	if err := ctx.Validate(req); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}

// readFormFile returns nil data without error when the part is absent.
func readFormFile(ctx echo.Context, name string) ([]byte, string, error) {
	header, err := ctx.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: multipart form expected: %v", core.ErrInvalidInput, err)
	}
	if header.Size > maxUploadBytes {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", core.ErrInvalidInput, name, maxUploadBytes)
	}
	data, err := readPart(header)
	if err != nil {
		return nil, "", err
	}
	return data, header.Header.Get(echo.HeaderContentType), nil
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			slog.Error("failed to close uploaded file reader", "error", cerr, "filename", header.Filename)
		}
	}()
	data, err := io.ReadAll(io.LimitReader(src, maxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	return data, nil
}

// errorResponse writes the error envelope with the status matching the
// error's kind.
func (service *APIService) errorResponse(ctx echo.Context, err error) error {
	code := core.ErrorCode(err)
	status := statusFor(err, code)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", ctx.Path(), "status", status, "code", code, "error", err)
	}
	message := err.Error()
	if code == "internal" {
		message = http.StatusText(status)
	}
	return ctx.JSON(status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func statusFor(err error, code string) int {
	switch code {
	case "amount_mismatch", "self_purchase":
		return http.StatusUnprocessableEntity
	case "upload_failed":
		return http.StatusBadGateway
	}
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (service *APIService) toProfileResponse(p *database.Profile) profileResponse {
	money := service.coreService.Money()
	return profileResponse{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		Bio:          p.Bio,
		Balance:      money.FormatAmount(p.Balance),
		BalanceMinor: p.Balance,
		Currency:     money.Code,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (service *APIService) toImageResponse(img *database.Image) imageResponse {
	money := service.coreService.Money()
	return imageResponse{
		ID:           img.ID,
		OwnerID:      img.OwnerID,
		Title:        img.Title,
		Description:  img.Description,
		Category:     img.Category,
		Price:        money.FormatAmount(img.Price),
		PriceMinor:   img.Price,
		Currency:     money.Code,
		Downloads:    img.Downloads,
		ThumbnailURL: img.ThumbnailURL,
		CreatedAt:    img.CreatedAt,
	}
}

func (service *APIService) toTransactionResponse(tx *database.Transaction) transactionResponse {
	money := service.coreService.Money()
	return transactionResponse{
		ID:          tx.ID,
		BuyerID:     tx.BuyerID,
		SellerID:    tx.SellerID,
		ImageID:     tx.ImageID,
		Amount:      money.FormatAmount(tx.Amount),
		AmountMinor: tx.Amount,
		Currency:    money.Code,
		Status:      string(tx.Status),
		PaymentRef:  tx.PaymentRef,
		CreatedAt:   tx.CreatedAt,
	}
}

func toTokenResponse(t *database.DownloadToken, state string) tokenResponse {
	return tokenResponse{
		Value:         t.Value,
		TransactionID: t.TransactionID,
		ImageID:       t.ImageID,
		ExpiresAt:     t.ExpiresAt,
		Used:          t.Used,
		UsedAt:        t.UsedAt,
		State:         state,
	}
}
