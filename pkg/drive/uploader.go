// Package drive uploads applicant documents into per-applicant Google Drive
// folders and hands back durable view links.
package drive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"onboard/pkg/resize"
)

// Result describes one uploaded document. Shared reports whether the
// anyone-with-the-link grant succeeded; the file is uploaded either way.
type Result struct {
	FileID string
	URL    string
	Shared bool
}

// Uploader uploads files into folders keyed by applicant name, reusing a
// folder when one with the exact name already exists.
type Uploader struct {
	api    driveAPI
	rootID string
}

// NewUploader builds an Uploader backed by the Drive v3 API using a service
// account credentials file. rootFolderID scopes all folder lookups and
// creations; empty means the Drive root.
func NewUploader(ctx context.Context, credentialsFile, rootFolderID string) (*Uploader, error) {
	api, err := newGoogleDrive(ctx, credentialsFile)
	if err != nil {
		return nil, err
	}
	return &Uploader{api: api, rootID: rootFolderID}, nil
}

// canonicalName maps a logical document field to its remote base name, so
// every applicant folder carries predictably named files regardless of what
// the applicant called their upload.
var canonicalName = map[string]string{
	"proofOfBilling":    "Proof_of_Billing",
	"houseFrontPicture": "House_Front_Picture",
	"primaryIdFront":    "Primary_ID_Front",
	"primaryIdBack":     "Primary_ID_Back",
	"signature":         "Signature",
}

func remoteName(field, localPath string) string {
	base, ok := canonicalName[field]
	if !ok {
		base = field
	}
	return base + strings.ToLower(filepath.Ext(localPath))
}

// ViewURL builds the durable view link for a Drive file id.
func ViewURL(fileID string) string {
	return "https://drive.google.com/file/d/" + fileID + "/view"
}

func (u *Uploader) ensureFolder(ctx context.Context, name string) (string, error) {
	id, err := u.api.FindFolder(ctx, name, u.rootID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return u.api.CreateFolder(ctx, name, u.rootID)
}

// UploadApplicantDocuments uploads the given files (logical field -> local
// path) into the applicant's folder. The result map holds an entry only for
// files that existed locally and uploaded; callers must treat a missing key
// as failure for that field. A folder creation failure fails the whole call.
func (u *Uploader) UploadApplicantDocuments(ctx context.Context, fullName string, files map[string]string) (map[string]Result, error) {
	folderID, err := u.ensureFolder(ctx, fullName)
	if err != nil {
		return nil, fmt.Errorf("folder %q: %w", fullName, err)
	}
	out := make(map[string]Result, len(files))
	for field, path := range files {
		f, err := os.Open(path)
		if err != nil {
			log.Printf("drive: skip %s (%s): %v", field, path, err)
			continue
		}
		id, err := u.api.UploadFile(ctx, folderID, remoteName(field, path), resize.DetectMIME(path), f)
		f.Close()
		if err != nil {
			log.Printf("drive: upload %s failed: %v", field, err)
			continue
		}
		res := Result{FileID: id, URL: ViewURL(id), Shared: true}
		if err := u.api.ShareAnyone(ctx, id); err != nil {
			// Lenient on purpose: the file is uploaded, it just is not
			// publicly readable yet. Callers see Shared=false.
			log.Printf("drive: share %s failed: %v", id, err)
			res.Shared = false
		}
		out[field] = res
	}
	return out, nil
}

// UploadLogo uploads a single branding asset into "Logo - {brand}" (or
// "Logo" when brand is empty), reusing the folder across calls.
func (u *Uploader) UploadLogo(ctx context.Context, path, brand string) (Result, error) {
	name := "Logo"
	if brand != "" {
		name = "Logo - " + brand
	}
	folderID, err := u.ensureFolder(ctx, name)
	if err != nil {
		return Result{}, fmt.Errorf("folder %q: %w", name, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open logo: %w", err)
	}
	defer f.Close()
	id, err := u.api.UploadFile(ctx, folderID, "Logo"+strings.ToLower(filepath.Ext(path)), resize.DetectMIME(path), f)
	if err != nil {
		return Result{}, err
	}
	res := Result{FileID: id, URL: ViewURL(id), Shared: true}
	if err := u.api.ShareAnyone(ctx, id); err != nil {
		log.Printf("drive: share %s failed: %v", id, err)
		res.Shared = false
	}
	return res, nil
}
