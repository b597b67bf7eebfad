package workflow

// Canonical input variable names carried into every job.
const (
	VarGitEvent         = "SHUTTLE_GIT_EVENT"
	VarGitRef           = "SHUTTLE_GIT_REF"
	VarGitBranch        = "SHUTTLE_GIT_BRANCH"
	VarGitCommitID      = "SHUTTLE_GIT_COMMIT_ID"
	VarGitCommitMessage = "SHUTTLE_GIT_COMMIT_MESSAGE"
	VarGitCommitURL     = "SHUTTLE_GIT_COMMIT_URL"
	VarGitAuthor        = "SHUTTLE_GIT_AUTHOR"

	// set to "false" in the job context to run steps directly on the
	// agent host instead of in containers
	VarDockerEnabled = "SHUTTLE_STEP_DOCKER_ENABLED"
)
