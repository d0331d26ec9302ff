package realtime

// AuthorizationManager checks a connection's cached privilege level and
// per-document grants. All checks are local: the authoritative decision was
// made by the web API at joinProject time and cached on the client.
type AuthorizationManager struct{}

// NewAuthorizationManager creates an authorization manager.
func NewAuthorizationManager() *AuthorizationManager {
	return &AuthorizationManager{}
}

func canView(level PrivilegeLevel) bool {
	switch level {
	case PrivilegeOwner, PrivilegeReadAndWrite, PrivilegeReview, PrivilegeReadOnly:
		return true
	default:
		return false
	}
}

func canEdit(level PrivilegeLevel) bool {
	return level == PrivilegeOwner || level == PrivilegeReadAndWrite
}

func canReview(level PrivilegeLevel) bool {
	return level == PrivilegeOwner || level == PrivilegeReadAndWrite || level == PrivilegeReview
}

// AssertClientCanViewProject returns nil if the client may view its project.
func (a *AuthorizationManager) AssertClientCanViewProject(client *Client) error {
	if canView(client.Context().PrivilegeLevel) {
		return nil
	}
	return ErrNotAuthorized
}

// AssertClientCanEditProject returns nil if the client may edit its project.
func (a *AuthorizationManager) AssertClientCanEditProject(client *Client) error {
	if canEdit(client.Context().PrivilegeLevel) {
		return nil
	}
	return ErrNotAuthorized
}

// AddAccessToDoc grants the client access to a document beyond its base
// project privilege. Used for read-only and public-link viewers that were
// let into a specific document.
func (a *AuthorizationManager) AddAccessToDoc(client *Client, docID string) {
	client.addDocAccess(docID)
}

// RemoveAccessToDoc revokes a per-document grant.
func (a *AuthorizationManager) RemoveAccessToDoc(client *Client, docID string) {
	client.removeDocAccess(docID)
}

// AssertClientCanViewProjectAndDoc returns nil if the project-level view
// check passes or the client holds an explicit per-doc grant.
func (a *AuthorizationManager) AssertClientCanViewProjectAndDoc(client *Client, docID string) error {
	if canView(client.Context().PrivilegeLevel) {
		return nil
	}
	if client.hasDocAccess(docID) {
		return nil
	}
	return ErrNotAuthorized
}

// AssertClientCanReviewProjectAndDoc returns nil if the project-level review
// check passes or the client holds an explicit per-doc grant.
func (a *AuthorizationManager) AssertClientCanReviewProjectAndDoc(client *Client, docID string) error {
	if canReview(client.Context().PrivilegeLevel) {
		return nil
	}
	if client.hasDocAccess(docID) {
		return nil
	}
	return ErrNotAuthorized
}

// AssertClientCanEditProjectAndDoc returns nil only when the client holds
// project-level write privilege. Per-doc grants never authorize edits.
func (a *AuthorizationManager) AssertClientCanEditProjectAndDoc(client *Client, docID string) error {
	if canEdit(client.Context().PrivilegeLevel) {
		return nil
	}
	return ErrNotAuthorized
}
