package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const rootName = "txcoord"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ComponentName returns the logger name used for a coordination component,
// e.g. "txcoord.inbox".
func ComponentName(component string) string {
	component = strings.Trim(strings.TrimSpace(component), ".")
	if component == "" || component == rootName {
		return rootName
	}
	if strings.HasPrefix(component, rootName+".") {
		return component
	}
	return rootName + "." + component
}

// ForComponent resolves the named logger for component, falling back to the
// root logger when the provider does not know the name.
func ForComponent(component string, provider glog.LoggerProvider, logger glog.Logger) glog.Logger {
	resolvedProvider, resolved := Resolve(rootName, provider, logger)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(ComponentName(component)); named != nil {
			return glog.Ensure(named)
		}
	}
	return glog.Ensure(resolved)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the maintenance job logger and returns the go-job
// bridges alongside it.
func ResolveForJob(
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, _ := Resolve(rootName, provider, logger)
	jobsLogger := ForComponent("jobs", provider, logger)
	return resolvedProvider, jobsLogger, ToJobProvider(resolvedProvider), ToJobLogger(jobsLogger)
}
