package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"onboard/models"
	"onboard/process/queue"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const maxDocumentBytes = 5 * 1024 * 1024

// documentFields maps the multipart form field of each document slot to the
// application column the pipeline eventually fills.
var documentFields = []struct {
	Form   string
	Column string
}{
	{"proof_of_billing", "proof_of_billing_url"},
	{"house_front_picture", "house_front_picture_url"},
	{"primary_id_front", "primary_id_front_url"},
	{"primary_id_back", "primary_id_back_url"},
	{"signature", "signature_url"},
}

func setupRoutes(r *gin.Engine) {
	r.POST("/register", registerHandler)
	r.POST("/login", loginHandler)
	r.POST("/refresh", refreshHandler)
	r.POST("/revoke_refresh", revokeRefreshHandler)
	// Applicant-facing: form submission with document files. No account needed.
	r.POST("/applications", submitApplicationHandler)

	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.GET("/me", meHandler)
	authGroup.GET("/applications", listApplicationsHandler)
	authGroup.GET("/applications/:id", getApplicationHandler)
	authGroup.PUT("/applications/:id/status", reviewApplicationHandler)
	authGroup.GET("/queue", listQueueHandler)
	authGroup.GET("/queue/stats", queueStatsHandler)
	authGroup.GET("/settings/image", getImageSettingHandler)
	authGroup.PUT("/settings/image", putImageSettingHandler)
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		role, _ := claims["role"].(string)
		c.Set("username", username)
		if role != "" {
			c.Set("role", role)
		}
		c.Next()
	}
}

func meHandler(c *gin.Context) {
	usernameVal, _ := c.Get("username")
	if usernameVal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": usernameVal.(string)})
}

// submitApplicationHandler is the upload intake: it writes the document
// files locally, inserts one pending queue row per file and returns
// immediately. The deferred pipeline does the resize and Drive upload.
func submitApplicationHandler(c *gin.Context) {
	first := strings.TrimSpace(c.PostForm("first_name"))
	last := strings.TrimSpace(c.PostForm("last_name"))
	mobile := strings.TrimSpace(c.PostForm("mobile"))
	address := strings.TrimSpace(c.PostForm("address"))
	if first == "" || last == "" || mobile == "" || address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "first_name, last_name, mobile and address are required"})
		return
	}

	app := models.SubscriberApplication{
		FirstName: first,
		LastName:  last,
		Email:     strings.TrimSpace(c.PostForm("email")),
		Mobile:    mobile,
		Address:   address,
		Plan:      strings.TrimSpace(c.PostForm("plan")),
		Status:    models.ApplicationPendingReview,
	}
	if err := db.Create(&app).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save application"})
		return
	}

	baseDir := filepath.Join(uploadBaseDir(), "applications")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mkdir failed"})
		return
	}

	queued := 0
	for _, slot := range documentFields {
		fh, err := c.FormFile(slot.Form)
		if err != nil {
			continue // slot not provided
		}
		if fh.Size > maxDocumentBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": slot.Form + " too large (max 5MB)"})
			return
		}
		// uuid-prefixed stored name so applicant filenames can never collide
		stored := uuid.New().String() + strings.ToLower(filepath.Ext(fh.Filename))
		fullPath := filepath.Join(baseDir, stored)
		if err := c.SaveUploadedFile(fh, fullPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save " + slot.Form})
			return
		}
		entry := models.ImageQueue{
			ApplicationID:    app.ID,
			FieldName:        slot.Column,
			LocalPath:        fullPath,
			OriginalFilename: fh.Filename,
			Status:           models.ImageQueuePending,
		}
		if err := db.Create(&entry).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue " + slot.Form})
			return
		}
		queued++
	}

	c.JSON(http.StatusOK, gin.H{"id": app.ID, "documents_queued": queued})
}

// listApplicationsHandler lists recent applications, newest first.
func listApplicationsHandler(c *gin.Context) {
	var items []models.SubscriberApplication
	q := db.Model(&models.SubscriberApplication{})
	if st := c.Query("status"); st != "" {
		q = q.Where("status = ?", st)
	}
	if err := q.Order("id desc").Limit(200).Find(&items).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, items)
}

func getApplicationHandler(c *gin.Context) {
	var app models.SubscriberApplication
	if err := db.First(&app, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	// include this application's queue entries for the review screen
	var entries []models.ImageQueue
	db.Where("application_id = ?", app.ID).Order("id asc").Find(&entries)
	c.JSON(http.StatusOK, gin.H{"application": app, "queue": entries})
}

func reviewApplicationHandler(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != models.ApplicationApproved && req.Status != models.ApplicationRejected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be approved or rejected"})
		return
	}
	res := db.Model(&models.SubscriberApplication{}).Where("id = ?", c.Param("id")).Update("status", req.Status)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// listQueueHandler returns recent queue entries for the dashboard.
func listQueueHandler(c *gin.Context) {
	var entries []models.ImageQueue
	q := db.Model(&models.ImageQueue{})
	if st := c.Query("status"); st != "" {
		q = q.Where("status = ?", st)
	}
	if err := q.Order("id desc").Limit(200).Find(&entries).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func queueStatsHandler(c *gin.Context) {
	stats, err := queue.New(db, nil).Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func getImageSettingHandler(c *gin.Context) {
	var s models.ImageSetting
	if err := db.Where("status = ?", models.ImageSettingActive).Order("updated_at desc").First(&s).Error; err != nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "scale_percent": s.ScalePercent})
}

// putImageSettingHandler activates a new scale percent (administrator only).
func putImageSettingHandler(c *gin.Context) {
	role, _ := c.Get("role")
	if role != "administrator" {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var req struct {
		ScalePercent int `json:"scale_percent" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScalePercent < 1 || req.ScalePercent > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scale_percent must be 1..100"})
		return
	}
	if err := db.Model(&models.ImageSetting{}).Where("status = ?", models.ImageSettingActive).
		Update("status", "inactive").Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deactivate failed"})
		return
	}
	s := models.ImageSetting{ScalePercent: req.ScalePercent, Status: models.ImageSettingActive}
	if err := db.Create(&s).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": s.ID, "scale_percent": s.ScalePercent})
}

func registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := RegisterUser(req.Username, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	// Resolve role name from RoleID (only role_id is stored).
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(time.Hour * 24).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	refreshToken, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "refresh_token": refreshToken})
}

// createAndStoreRefreshToken generates a random refresh token, stores its hash with expiry and returns the raw token string
func createAndStoreRefreshToken(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	rt := models.RefreshToken{UserID: userID, TokenHash: th, ExpiresAt: time.Now().Add(30 * 24 * time.Hour)}
	if err := db.Create(&rt).Error; err != nil {
		return "", err
	}
	return token, nil
}

func findRefreshTokenByRaw(token string) (*models.RefreshToken, error) {
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	var rt models.RefreshToken
	if err := db.Where("token_hash = ?", th).First(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

// refreshHandler exchanges a refresh token for a new access token and rotates the refresh token
func refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	var user models.User
	if err := db.First(&user, rt.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(15 * time.Minute).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	// rotate refresh token: revoke existing and create new one
	db.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked", true)
	newRT, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": newRT})
}

// revokeRefreshHandler revokes a given refresh token (useful on logout)
func revokeRefreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "refresh token not found"})
		return
	}
	rt.Revoked = true
	if err := db.Save(rt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refresh token revoked"})
}
