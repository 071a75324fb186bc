package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSiteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "site",
		Short: "Resolve the configured site and its document library root",
		Args:  cobra.NoArgs,
		RunE:  runSite,
	}
}

type siteOutput struct {
	Hostname string `json:"hostname"`
	SitePath string `json:"site_path"`
	SiteID   string `json:"site_id"`
	RootID   string `json:"root_id"`
}

func runSite(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	sess, err := NewSession(cmd.Context(), resolvedCfg, logger, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	target, err := sess.Router().ResolveTarget(cmd.Context())
	if err != nil {
		return err
	}

	out := siteOutput{
		Hostname: resolvedCfg.Site.Hostname,
		SitePath: resolvedCfg.Site.SitePath,
		SiteID:   target.SiteID,
		RootID:   target.RootID,
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Site:    %s:%s\n", out.Hostname, out.SitePath)
	fmt.Fprintf(w, "Site ID: %s\n", out.SiteID)
	fmt.Fprintf(w, "Root ID: %s\n", out.RootID)

	return nil
}
