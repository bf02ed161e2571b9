package main

import (
	"github.com/supporttools/SiteVault/cmd"
	_ "github.com/supporttools/SiteVault/pkg/storage/local"
	_ "github.com/supporttools/SiteVault/pkg/storage/s3"
	_ "github.com/supporttools/SiteVault/pkg/store/mysql"
	_ "github.com/supporttools/SiteVault/pkg/store/postgres"
)

func main() {
	cmd.Execute()
}
