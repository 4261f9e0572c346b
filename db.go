package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"onboard/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB

func initDB() {
	var err error
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true).
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	// Ensure the roles master table exists first and seed it so users FK can be applied safely.
	if shouldMigrate {
		if err := db.AutoMigrate(&models.Role{}); err != nil {
			log.Printf("migration warning (roles): %v", err)
		}
	}
	seedRoles()

	// Migrate models individually so a failure on one doesn't block others
	if shouldMigrate {
		if err := db.AutoMigrate(&models.User{}); err != nil {
			log.Printf("migration warning (users): %v", err)
		}
		if err := db.AutoMigrate(&models.RefreshToken{}); err != nil {
			log.Printf("migration warning (refresh_tokens): %v", err)
		}
		if err := db.AutoMigrate(&models.SubscriberApplication{}); err != nil {
			log.Printf("migration warning (subscriber_applications): %v", err)
		}
		if err := db.AutoMigrate(&models.ImageQueue{}); err != nil {
			log.Printf("migration warning (image_queues): %v", err)
		}
		if err := db.AutoMigrate(&models.ImageSetting{}); err != nil {
			log.Printf("migration warning (image_settings): %v", err)
		}
	}

	// Ensure image_queues -> subscriber_applications FK exists (in case the
	// table existed before ApplicationID was added).
	if shouldMigrate {
		if err := ensureQueueApplicationFK(); err != nil {
			log.Printf("warning: ensuring image_queues->subscriber_applications FK failed: %v", err)
		}
	}
	seedDB()
}

// ensureQueueApplicationFK adds the application_id column and FK constraint if missing.
func ensureQueueApplicationFK() error {
	// 1. Ensure application_id column exists
	if err := db.Exec(`ALTER TABLE image_queues ADD COLUMN IF NOT EXISTS application_id BIGINT`).Error; err != nil {
		return err
	}
	// 2. Create index (idempotent)
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_image_queues_application_id ON image_queues(application_id)`).Error; err != nil {
		return err
	}
	// 3. Check if FK already present
	type cnt struct{ N int }
	var c cnt
	fkCheckSQL := `SELECT count(*) AS n
		FROM pg_constraint ct
		JOIN pg_class rel ON rel.oid = ct.conrelid
		WHERE rel.relname = 'image_queues' AND ct.contype = 'f'
		  AND pg_get_constraintdef(ct.oid) ILIKE '%application_id%' AND pg_get_constraintdef(ct.oid) ILIKE '%subscriber_applications%'`
	if err := db.Raw(fkCheckSQL).Scan(&c).Error; err != nil {
		return err
	}
	if c.N == 0 {
		if err := db.Exec(`ALTER TABLE image_queues
			ADD CONSTRAINT fk_image_queues_subscriber_applications
			FOREIGN KEY (application_id) REFERENCES subscriber_applications(id)
			ON UPDATE CASCADE ON DELETE CASCADE`).Error; err != nil {
			return err
		}
	}
	return nil
}

func seedRoles() {
	roles := []models.Role{
		{Name: "administrator", Description: "full access"},
		{Name: "reviewer", Description: "reviews applications"},
	}
	for _, r := range roles {
		var cnt int64
		db.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			db.Create(&r)
		}
	}
}

func seedDB() {
	seedRoles()

	// Check if admin user exists
	var count int64
	db.Model(&models.User{}).Where("username = ?", "admin").Count(&count)
	if count == 0 {
		var role models.Role
		if err := db.Where("name = ?", "administrator").First(&role).Error; err != nil {
			log.Printf("failed to find administrator role: %v", err)
		}
		rid := role.ID
		admin := models.User{
			Username: "admin",
			RoleID:   &rid,
		}
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
		admin.HashedPassword = hashedPassword
		db.Create(&admin)
		log.Println("Seeded admin user: username=admin, password=admin123")
	}

	// Seed a default sizing policy so document images shrink out of the box.
	var scount int64
	db.Model(&models.ImageSetting{}).Count(&scount)
	if scount == 0 {
		if err := db.Create(&models.ImageSetting{ScalePercent: 50, Status: models.ImageSettingActive}).Error; err != nil {
			log.Printf("failed to seed image setting: %v", err)
		} else {
			log.Println("Seeded default image setting: scale 50%, active")
		}
	}

	ensureUploadBase()
}

// ensureUploadBase creates the base uploads directory.
func ensureUploadBase() {
	base := filepath.Join(uploadBaseDir(), "applications")
	if err := os.MkdirAll(base, 0755); err != nil {
		log.Printf("failed to create upload base dir %s: %v", base, err)
	}
}

// uploadBaseDir returns the base directory for local uploads (configurable via UPLOAD_BASE env)
func uploadBaseDir() string {
	if v := os.Getenv("UPLOAD_BASE"); v != "" {
		return v
	}
	return "uploads"
}
