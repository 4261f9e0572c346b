package drive

import (
	"context"
	"fmt"
	"io"
	"strings"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMIMEType = "application/vnd.google-apps.folder"

// driveAPI is the narrow slice of the Drive v3 surface the uploader needs.
// Kept as an interface so tests can run against a fake.
type driveAPI interface {
	FindFolder(ctx context.Context, name, parentID string) (string, error) // "" when absent
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
	UploadFile(ctx context.Context, folderID, name, mimeType string, r io.Reader) (string, error)
	ShareAnyone(ctx context.Context, fileID string) error
}

type googleDrive struct {
	svc *drive.Service
}

func newGoogleDrive(ctx context.Context, credentialsFile string) (*googleDrive, error) {
	svc, err := drive.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(drive.DriveScope))
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return &googleDrive{svc: svc}, nil
}

// FindFolder looks up a folder by exact name under parentID (or anywhere
// when parentID is empty) and returns its id, or "" when there is no match.
func (g *googleDrive) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		escapeQuery(name), folderMIMEType)
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", parentID)
	}
	list, err := g.svc.Files.List().Context(ctx).Q(q).Fields("files(id, name)").PageSize(10).Do()
	if err != nil {
		return "", fmt.Errorf("list folders: %w", err)
	}
	for _, f := range list.Files {
		if f.Name == name {
			return f.Id, nil
		}
	}
	return "", nil
}

func (g *googleDrive) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	meta := &drive.File{Name: name, MimeType: folderMIMEType}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}
	f, err := g.svc.Files.Create(meta).Context(ctx).Fields("id").Do()
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return f.Id, nil
}

func (g *googleDrive) UploadFile(ctx context.Context, folderID, name, mimeType string, r io.Reader) (string, error) {
	meta := &drive.File{Name: name, Parents: []string{folderID}}
	call := g.svc.Files.Create(meta).Context(ctx).Fields("id")
	if mimeType != "" {
		call = call.Media(r, googleapi.ContentType(mimeType))
	} else {
		call = call.Media(r)
	}
	f, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", name, err)
	}
	return f.Id, nil
}

func (g *googleDrive) ShareAnyone(ctx context.Context, fileID string) error {
	_, err := g.svc.Permissions.Create(fileID, &drive.Permission{
		Type: "anyone",
		Role: "reader",
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("share %s: %w", fileID, err)
	}
	return nil
}

// escapeQuery escapes single quotes for Drive query strings.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, `'`, `\'`)
}
