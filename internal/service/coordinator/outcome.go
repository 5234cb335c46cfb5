package coordinator

// checkVersionOutcome is the metric label of a CheckVersion call.
func checkVersionOutcome(result CheckVersionResult, err error) string {
	if err != nil {
		return "error"
	}

	switch result.(type) {
	case CustomPath:
		return "custom_path"
	case NotInstalled:
		return "not_installed"
	case Same:
		return "same"
	default:
		return "different"
	}
}

func installedOutcome(result EnsureInstalledResult) string {
	switch {
	case result.Installed:
		return "installed"
	case result.Available:
		return "available"
	default:
		return result.Reason.String()
	}
}

func updatedOutcome(result EnsureUpdatedResult) string {
	switch result := result.(type) {
	case CustomPath:
		return "custom_path"
	case UpToDate:
		return "up_to_date"
	case Outdated:
		if result.Updated {
			return "updated"
		}

		return result.Reason.String()
	default:
		return "none"
	}
}
