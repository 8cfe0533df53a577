package service

import (
	"context"
	"fmt"
	"net/url"

	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/logger"
)

// treeQuery is sent on every file-tree request.
var treeQuery = url.Values{"th": {"n"}}

// listFiles walks the claim's folder tree and returns every non-folder entry.
// The walk is sequential with a fixed pause before each descent and never goes deeper
// than maxFolderDepth, so a cyclic tree terminates.
func (f *ClaimFetcher) listFiles(ctx context.Context, ref claimRef) ([]domain.FileEntry, error) {
	var files []domain.FileEntry
	if err := f.walkFolder(ctx, ref, "", 0, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (f *ClaimFetcher) walkFolder(ctx context.Context, ref claimRef, folderKey string, depth int, out *[]domain.FileEntry) error {
	path := fmt.Sprintf("/api/claim/%s/files/tree", url.PathEscape(ref.id))
	if folderKey != "" {
		path += "/" + url.PathEscape(folderKey)
	}

	raw, err := f.api.Get(ctx, path, treeQuery)
	if err != nil {
		return err
	}
	entries, ok := decodeList(raw)
	if !ok {
		return fmt.Errorf("file tree %q: unexpected payload", folderKey)
	}

	for _, rawEntry := range entries {
		entry, ok := decodeObject(rawEntry)
		if !ok {
			continue
		}

		if !isFolder(entry) {
			*out = append(*out, f.fileEntry(entry, ref))
			continue
		}

		key := entry.text("key")
		if key == "" || key == f.reservedFolderKey || !hasChildren(entry) {
			continue
		}
		if depth+1 > f.maxFolderDepth {
			logger.CtxDebug(ctx, "File tree depth limit reached: folder=%s, depth=%d", key, depth+1)
			continue
		}

		if err := f.sleep(ctx, f.folderPace); err != nil {
			return err
		}
		if err := f.walkFolder(ctx, ref, key, depth+1, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// One unreadable subfolder does not discard the rest of the tree
			logger.FromContext(ctx).WithError(err).Debugf("Skipping folder %s", key)
		}
	}

	return nil
}

func isFolder(entry object) bool {
	if entry.truthy("folder") || entry.truthy("isFolder") {
		return true
	}
	return entry.text("type") == "folder"
}

func hasChildren(entry object) bool {
	return entry.truthy("children") || entry.truthy("hasChildren")
}

// fileEntry maps a tree entry to the exported shape. The download link is synthesized
// from the claim UUID and file key; the file itself is never fetched.
func (f *ClaimFetcher) fileEntry(entry object, ref claimRef) domain.FileEntry {
	key := entry.text("key")
	fe := domain.FileEntry{
		Title:       entry.firstText("title", "name"),
		Filename:    entry.firstText("filename", "fileName", "file_name", "name"),
		Key:         key,
		Folder:      false,
		Size:        entry.firstRaw("size", "fileSize"),
		FileDate:    entry.firstText("fileDate", "file_date", "date", "created"),
		Description: entry.firstText("description", "desc"),
	}
	if key != "" {
		fe.DownloadURL = fmt.Sprintf("%s/api/claim/%s/files/download/%s",
			f.api.BaseURL(), url.PathEscape(ref.uuid), url.PathEscape(key))
	}
	return fe
}
