// Package version — сведения о сборке приложения для статусных команд.
package version

const (
	// Name — имя приложения в выводе version и заголовках операторского среза.
	Name = "valorant-skinbot"
	// Version — версия сборки. Обновляется при выпуске тега.
	Version = "1.3.0"
)
